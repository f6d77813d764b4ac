package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"caseace/models"
	"caseace/pkg/access"
	"caseace/pkg/apperr"
	"caseace/pkg/cases"
	"caseace/pkg/logger"
)

func setupRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	auth := r.Group("/auth")
	auth.POST("/login", loginHandler)
	auth.POST("/refresh", refreshHandler)
	auth.POST("/logout", logoutHandler)

	g := r.Group("")
	g.Use(jwtAuthMiddleware())
	g.GET("/auth/me", meHandler)

	g.POST("/cases", createCaseHandler)
	g.GET("/cases", listCasesHandler)
	g.GET("/cases/:id", getCaseHandler)
	g.PATCH("/cases/:id", updateCaseHandler)
	g.DELETE("/cases/:id", deleteCaseHandler)
	g.POST("/cases/:id/assignments", assignCaseHandler)
	g.DELETE("/cases/:id/assignments/:userId", unassignCaseHandler)
	g.GET("/cases/:id/tasks", listCaseTasksHandler)
	g.GET("/cases/:id/documents", listDocumentsHandler)
	g.POST("/cases/:id/documents", uploadDocumentHandler)

	g.POST("/tasks", createTaskHandler)
	g.GET("/tasks", listTasksHandler)
	g.GET("/tasks/:id", getTaskHandler)
	g.PATCH("/tasks/:id", updateTaskHandler)
	g.PATCH("/tasks/:id/status", moveTaskHandler)
	g.DELETE("/tasks/:id", deleteTaskHandler)

	g.POST("/clients", createClientHandler)
	g.GET("/clients", listClientsHandler)
	g.POST("/users", createUserHandler)
	g.GET("/users", listUsersHandler)
	g.GET("/users/:id", getUserHandler)
	g.PATCH("/users/:id", updateUserHandler)
	g.DELETE("/users/:id", deleteUserHandler)

	tt := g.Group("/time-tracking")
	tt.POST("/entries", createEntryHandler)
	tt.GET("/entries", listEntriesHandler)
	tt.PATCH("/entries/:id", updateEntryHandler)
	tt.DELETE("/entries/:id", deleteEntryHandler)
	tt.GET("/timer", getTimerHandler)
	tt.POST("/timer/start", startTimerHandler)
	tt.POST("/timer/stop", stopTimerHandler)
	tt.DELETE("/timer/cancel", cancelTimerHandler)

	b := g.Group("/billing")
	b.POST("/invoices", createInvoiceHandler)
	b.GET("/invoices", listInvoicesHandler)
	b.GET("/invoices/:id", getInvoiceHandler)
	b.PATCH("/invoices/:id/status", updateInvoiceStatusHandler)
	b.POST("/payments", recordPaymentHandler)
	b.GET("/payments", listPaymentsHandler)
	b.POST("/draft-from-time-entries", draftFromEntriesHandler)
	b.POST("/bulk-draft-invoices", bulkDraftHandler)
	b.POST("/consolidate-drafts", consolidateDraftsHandler)
	b.POST("/mark-overdue", markOverdueHandler)
	b.GET("/summary", billingSummaryHandler)
	b.POST("/expenses", createExpenseHandler)
	b.GET("/expenses", listExpensesHandler)
	b.DELETE("/expenses/:id", deleteExpenseHandler)

	g.GET("/documents/:id/download", downloadDocumentHandler)
	g.GET("/documents/:id/thumbnail", documentThumbnailHandler)
	g.DELETE("/documents/:id", deleteDocumentHandler)

	g.POST("/appointments", createAppointmentHandler)
	g.GET("/appointments", listAppointmentsHandler)
	g.PATCH("/appointments/:id", updateAppointmentHandler)
	g.DELETE("/appointments/:id", deleteAppointmentHandler)

	g.GET("/notifications", listNotificationsHandler)
	g.GET("/notifications/unread-count", unreadCountHandler)
	g.PATCH("/notifications/:id/read", markReadHandler)
	g.POST("/notifications/read-all", markAllReadHandler)

	g.GET("/analytics/dashboard", dashboardHandler)
	g.GET("/analytics/financial", financialHandler)
	g.GET("/analytics/productivity", productivityHandler)
}

// abortErr writes err as {"error": msg} with the status of its kind. Internal
// errors are logged and shown as a generic message.
func abortErr(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log := logger.WithRequestID(c.GetString(ctxRequestID))
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.Message(err)})
}

func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// bindOptionalJSON is bindJSON for endpoints whose body may be left out.
func bindOptionalJSON(c *gin.Context, v any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// allow answers 403 unless ok.
func allow(c *gin.Context, ok bool) bool {
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
	return ok
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// queryID reads an optional numeric query parameter; absent means 0.
func queryID(c *gin.Context, name string) (uint, bool) {
	v := c.Query(name)
	if v == "" {
		return 0, true
	}
	id, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// queryTime reads an optional RFC3339 or YYYY-MM-DD query parameter.
func queryTime(c *gin.Context, name string) (*time.Time, bool) {
	v := c.Query(name)
	if v == "" {
		return nil, true
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, true
		}
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + ", expected RFC3339 or YYYY-MM-DD"})
	return nil, false
}

// requireCase answers 404 unless the case is visible to the caller.
func requireCase(c *gin.Context, caseID uint) bool {
	if _, err := access.RequireCase(db.WithContext(c.Request.Context()), currentUser(c), caseID, "http.requireCase"); err != nil {
		abortErr(c, err)
		return false
	}
	return true
}

func createCaseHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ManageCases) {
		return
	}
	var req cases.CreateRequest
	if !bindJSON(c, &req) {
		return
	}
	cs, err := app.cases.Create(c.Request.Context(), u, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, cs)
}

func listCasesHandler(c *gin.Context) {
	clientID, ok := queryID(c, "clientId")
	if !ok {
		return
	}
	list, err := app.cases.List(c.Request.Context(), currentUser(c), cases.Filter{
		Status:   models.CaseStatus(c.Query("status")),
		ClientID: clientID,
		Search:   c.Query("search"),
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func getCaseHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	cs, err := app.cases.Get(c.Request.Context(), currentUser(c), id)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, cs)
}

func updateCaseHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ManageCases) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req cases.UpdateRequest
	if !bindJSON(c, &req) {
		return
	}
	cs, err := app.cases.Update(c.Request.Context(), u, id, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, cs)
}

func deleteCaseHandler(c *gin.Context) {
	if !allow(c, access.Of(currentUser(c)).DeleteCases) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := app.cases.Delete(c.Request.Context(), id); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func assignCaseHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ManageCases) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok || !requireCase(c, id) {
		return
	}
	var req struct {
		UserID uint   `json:"userId" binding:"required"`
		Role   string `json:"role"`
	}
	if !bindJSON(c, &req) {
		return
	}
	a, err := app.cases.Assign(c.Request.Context(), u, id, req.UserID, req.Role)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func unassignCaseHandler(c *gin.Context) {
	if !allow(c, access.Of(currentUser(c)).ManageCases) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok || !requireCase(c, id) {
		return
	}
	userID, ok := idParam(c, "userId")
	if !ok {
		return
	}
	if err := app.cases.Unassign(c.Request.Context(), id, userID); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func listCaseTasksHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok || !requireCase(c, id) {
		return
	}
	tasks, err := app.cases.ListTasks(c.Request.Context(), currentUser(c), cases.TaskFilter{
		CaseID: id,
		Status: models.TaskStatus(c.Query("status")),
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func createTaskHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ManageTasks) {
		return
	}
	var req cases.TaskRequest
	if !bindJSON(c, &req) {
		return
	}
	t, err := app.cases.CreateTask(c.Request.Context(), u, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func listTasksHandler(c *gin.Context) {
	u := currentUser(c)
	caseID, ok := queryID(c, "caseId")
	if !ok {
		return
	}
	f := cases.TaskFilter{CaseID: caseID, Status: models.TaskStatus(c.Query("status"))}
	if c.Query("assigneeId") == "me" {
		f.AssigneeID = u.ID
	} else if f.AssigneeID, ok = queryID(c, "assigneeId"); !ok {
		return
	}
	tasks, err := app.cases.ListTasks(c.Request.Context(), u, f)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func getTaskHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	t, err := app.cases.GetTask(c.Request.Context(), currentUser(c), id)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func updateTaskHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ManageTasks) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req cases.TaskUpdate
	if !bindJSON(c, &req) {
		return
	}
	t, err := app.cases.UpdateTask(c.Request.Context(), u, id, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// moveTaskHandler changes the kanban column and optionally the position.
func moveTaskHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ManageTasks) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status   models.TaskStatus `json:"status" binding:"required"`
		Position *int              `json:"position"`
	}
	if !bindJSON(c, &req) {
		return
	}
	t, err := app.cases.MoveTask(c.Request.Context(), u, id, req.Status, req.Position)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func deleteTaskHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ManageTasks) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := app.cases.DeleteTask(c.Request.Context(), u, id); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
