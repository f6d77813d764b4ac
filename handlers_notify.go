package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"caseace/pkg/access"
)

func listNotificationsHandler(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	unread := c.Query("unread") == "true"
	list, err := app.notify.List(c.Request.Context(), currentUser(c).ID, unread, limit)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func unreadCountHandler(c *gin.Context) {
	n, err := app.notify.UnreadCount(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func markReadHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	n, err := app.notify.MarkRead(c.Request.Context(), currentUser(c).ID, id)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, n)
}

func markAllReadHandler(c *gin.Context) {
	n, err := app.notify.MarkAllRead(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

// dashboardHandler is open to every role; the figures are scoped inside.
func dashboardHandler(c *gin.Context) {
	d, err := app.analytics.Dashboard(c.Request.Context(), currentUser(c))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func financialHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ViewBilling) {
		return
	}
	months, err := strconv.Atoi(c.DefaultQuery("months", "12"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid months"})
		return
	}
	f, err := app.analytics.Financial(c.Request.Context(), u, months)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// productivityHandler defaults to the current month.
func productivityHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ViewAnalytics) {
		return
	}
	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}
	now := time.Now().UTC()
	if from == nil {
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		from = &start
	}
	if to == nil {
		end := from.AddDate(0, 1, 0)
		to = &end
	}
	rows, err := app.analytics.Productivity(c.Request.Context(), u, *from, *to)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}
