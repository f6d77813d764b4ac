package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"caseace/models"
	"caseace/pkg/access"
	"caseace/pkg/accounts"
)

// createClientHandler registers a client and mails the temporary password.
// A failed mail does not undo the client; welcomeSent reports it.
func createClientHandler(c *gin.Context) {
	p := access.Of(currentUser(c))
	if !allow(c, p.ManageUsers || p.ManageCases) {
		return
	}
	var req accounts.ClientRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := app.accounts.CreateClient(c.Request.Context(), req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func listClientsHandler(c *gin.Context) {
	if !allow(c, currentUser(c).Role.IsStaff()) {
		return
	}
	list, err := app.accounts.List(c.Request.Context(), accounts.UserFilter{Role: models.RoleClient, Search: c.Query("search")})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func createUserHandler(c *gin.Context) {
	if !allow(c, access.Of(currentUser(c)).ManageUsers) {
		return
	}
	var req accounts.CreateUserRequest
	if !bindJSON(c, &req) {
		return
	}
	u, err := app.accounts.CreateUser(c.Request.Context(), req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, u)
}

func listUsersHandler(c *gin.Context) {
	if !allow(c, currentUser(c).Role.IsStaff()) {
		return
	}
	f := accounts.UserFilter{Search: c.Query("search")}
	if v := c.Query("role"); v != "" {
		role, ok := models.ParseRole(v)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown role"})
			return
		}
		f.Role = role
	}
	list, err := app.accounts.List(c.Request.Context(), f)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// getUserHandler shows any user to staff and only themselves to clients.
func getUserHandler(c *gin.Context) {
	me := currentUser(c)
	id, ok := idParam(c, "id")
	if !ok || !allow(c, id == me.ID || me.Role.IsStaff()) {
		return
	}
	u, err := app.accounts.Get(c.Request.Context(), id)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func updateUserHandler(c *gin.Context) {
	if !allow(c, access.Of(currentUser(c)).ManageUsers) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req accounts.UserUpdate
	if !bindJSON(c, &req) {
		return
	}
	u, err := app.accounts.Update(c.Request.Context(), id, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func deleteUserHandler(c *gin.Context) {
	me := currentUser(c)
	if !allow(c, access.Of(me).ManageUsers) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if id == me.ID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete your own account"})
		return
	}
	if err := app.accounts.Delete(c.Request.Context(), id); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
