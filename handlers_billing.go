package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"caseace/models"
	"caseace/pkg/access"
	"caseace/pkg/apperr"
	"caseace/pkg/billing"
	"caseace/pkg/timetrack"
)

func createEntryHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).TrackTime) {
		return
	}
	var req timetrack.EntryRequest
	if !bindJSON(c, &req) || !requireCase(c, req.CaseID) {
		return
	}
	e, err := app.time.CreateEntry(c.Request.Context(), u, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// listEntriesHandler lists entries on visible cases. Staff who do not manage
// billing only see their own.
func listEntriesHandler(c *gin.Context) {
	u := currentUser(c)
	p := access.Of(u)
	if !allow(c, p.TrackTime || p.ViewBilling) {
		return
	}
	f := timetrack.EntryFilter{Status: models.BillingStatus(c.Query("status"))}
	var ok bool
	if f.UserID, ok = queryID(c, "userId"); !ok {
		return
	}
	if f.CaseID, ok = queryID(c, "caseId"); !ok {
		return
	}
	if f.From, ok = queryTime(c, "from"); !ok {
		return
	}
	if f.To, ok = queryTime(c, "to"); !ok {
		return
	}
	if p.TrackTime && !p.ManageBilling {
		f.UserID = u.ID
	}
	list, err := app.time.ListEntries(c.Request.Context(), access.Cases(u), f)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// editableEntry loads an entry the caller may change: their own, or any on a
// visible case when they manage billing.
func editableEntry(c *gin.Context) (*models.TimeEntry, bool) {
	u := currentUser(c)
	id, ok := idParam(c, "id")
	if !ok {
		return nil, false
	}
	e, err := app.time.GetEntry(c.Request.Context(), id)
	if err != nil {
		abortErr(c, err)
		return nil, false
	}
	if e.UserID == u.ID {
		return e, true
	}
	if !requireCase(c, e.CaseID) {
		return nil, false
	}
	return e, allow(c, access.Of(u).ManageBilling)
}

func updateEntryHandler(c *gin.Context) {
	e, ok := editableEntry(c)
	if !ok {
		return
	}
	var req timetrack.EntryUpdate
	if !bindJSON(c, &req) {
		return
	}
	updated, err := app.time.UpdateEntry(c.Request.Context(), e.ID, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func deleteEntryHandler(c *gin.Context) {
	e, ok := editableEntry(c)
	if !ok {
		return
	}
	if err := app.time.DeleteEntry(c.Request.Context(), e.ID); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func getTimerHandler(c *gin.Context) {
	t, err := app.time.GetTimer(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"timer": t})
}

func startTimerHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).TrackTime) {
		return
	}
	var req timetrack.StartRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.CaseID != nil && !requireCase(c, *req.CaseID) {
		return
	}
	t, err := app.time.StartTimer(c.Request.Context(), u, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// stopTimerHandler turns the running timer into a time entry. The body is
// optional.
func stopTimerHandler(c *gin.Context) {
	u := currentUser(c)
	var req timetrack.StopRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	caseID := req.CaseID
	if caseID == nil {
		t, err := app.time.GetTimer(c.Request.Context(), u.ID)
		if err != nil {
			abortErr(c, err)
			return
		}
		if t != nil {
			caseID = t.CaseID
		}
	}
	if caseID != nil && *caseID != 0 && !requireCase(c, *caseID) {
		return
	}
	e, err := app.time.StopTimer(c.Request.Context(), u, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func cancelTimerHandler(c *gin.Context) {
	if err := app.time.CancelTimer(c.Request.Context(), currentUser(c).ID); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func createInvoiceHandler(c *gin.Context) {
	if !allow(c, access.Of(currentUser(c)).ManageBilling) {
		return
	}
	var req billing.CreateInvoiceRequest
	if !bindJSON(c, &req) || !requireCase(c, req.CaseID) || !billableVisible(c, req.TimeEntryIDs, req.ExpenseIDs) {
		return
	}
	inv, err := app.billing.CreateInvoice(c.Request.Context(), req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func listInvoicesHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ViewBilling) {
		return
	}
	f := billing.InvoiceFilter{Status: models.InvoiceStatus(c.Query("status"))}
	var ok bool
	if f.CaseID, ok = queryID(c, "caseId"); !ok {
		return
	}
	if f.ClientID, ok = queryID(c, "clientId"); !ok {
		return
	}
	list, err := app.billing.ListInvoices(c.Request.Context(), access.Invoices(u), f)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// visibleInvoice loads invoice :id through the caller's invoice scope.
func visibleInvoice(c *gin.Context, id uint) (*models.Invoice, bool) {
	inv, err := app.billing.GetInvoice(c.Request.Context(), access.Invoices(currentUser(c)), id)
	if err != nil {
		abortErr(c, err)
		return nil, false
	}
	return inv, true
}

func getInvoiceHandler(c *gin.Context) {
	if !allow(c, access.Of(currentUser(c)).ViewBilling) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if inv, ok := visibleInvoice(c, id); ok {
		c.JSON(http.StatusOK, inv)
	}
}

func updateInvoiceStatusHandler(c *gin.Context) {
	if !allow(c, access.Of(currentUser(c)).ManageBilling) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Status models.InvoiceStatus `json:"status" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	if _, ok := visibleInvoice(c, id); !ok {
		return
	}
	inv, err := app.billing.UpdateStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, inv)
}

func recordPaymentHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ManageBilling) {
		return
	}
	var req billing.PaymentRequest
	if !bindJSON(c, &req) {
		return
	}
	if _, ok := visibleInvoice(c, req.InvoiceID); !ok {
		return
	}
	res, err := app.billing.RecordPayment(c.Request.Context(), u.ID, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func listPaymentsHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ViewBilling) {
		return
	}
	invoiceID, ok := queryID(c, "invoiceId")
	if !ok {
		return
	}
	var filter *uint
	if invoiceID != 0 {
		filter = &invoiceID
	}
	list, err := app.billing.ListPayments(c.Request.Context(), access.Invoices(u), filter)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// billableVisible answers 404 when any of the entries or expenses belongs to
// a case the caller cannot see.
func billableVisible(c *gin.Context, entryIDs, expenseIDs []uint) bool {
	u := currentUser(c)
	if access.Of(u).SeeAllCases {
		return true
	}
	q := db.WithContext(c.Request.Context())
	visible := access.VisibleCaseIDs(q, u)
	var hidden int64
	if len(entryIDs) > 0 {
		if err := q.Model(&models.TimeEntry{}).Where("id IN ? AND case_id NOT IN (?)", entryIDs, visible).Count(&hidden).Error; err != nil {
			abortErr(c, err)
			return false
		}
	}
	if hidden == 0 && len(expenseIDs) > 0 {
		if err := q.Model(&models.Expense{}).Where("id IN ? AND case_id NOT IN (?)", expenseIDs, visible).Count(&hidden).Error; err != nil {
			abortErr(c, err)
			return false
		}
	}
	if hidden > 0 {
		abortErr(c, apperr.NotFound("http.billableVisible", "time entry or expense"))
		return false
	}
	return true
}

func draftFromEntriesHandler(c *gin.Context) {
	if !allow(c, access.Of(currentUser(c)).ManageBilling) {
		return
	}
	var req billing.DraftRequest
	if !bindJSON(c, &req) || !billableVisible(c, req.TimeEntryIDs, req.ExpenseIDs) {
		return
	}
	if req.CaseID != nil && !requireCase(c, *req.CaseID) {
		return
	}
	res, err := app.billing.DraftFromTimeEntries(c.Request.Context(), req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// firmBilling gates the batch jobs that touch every case.
func firmBilling(c *gin.Context) bool {
	p := access.Of(currentUser(c))
	return allow(c, p.ManageBilling && p.SeeAllCases)
}

func bulkDraftHandler(c *gin.Context) {
	if !firmBilling(c) {
		return
	}
	res, err := app.billing.BulkDraftInvoices(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func consolidateDraftsHandler(c *gin.Context) {
	if !firmBilling(c) {
		return
	}
	res, err := app.billing.ConsolidateDrafts(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func markOverdueHandler(c *gin.Context) {
	if !firmBilling(c) {
		return
	}
	n, err := app.billing.MarkOverdue(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func billingSummaryHandler(c *gin.Context) {
	u := currentUser(c)
	if !allow(c, access.Of(u).ViewBilling) {
		return
	}
	caseID, ok := queryID(c, "caseId")
	if !ok {
		return
	}
	var filter *uint
	if caseID != 0 {
		if !requireCase(c, caseID) {
			return
		}
		filter = &caseID
	}
	sum, err := app.billing.Summary(c.Request.Context(), access.Invoices(u), access.Cases(u), filter)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func createExpenseHandler(c *gin.Context) {
	u := currentUser(c)
	p := access.Of(u)
	if !allow(c, p.TrackTime || p.ManageBilling) {
		return
	}
	var req billing.ExpenseRequest
	if !bindJSON(c, &req) || !requireCase(c, req.CaseID) {
		return
	}
	e, err := app.billing.CreateExpense(c.Request.Context(), u.ID, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func listExpensesHandler(c *gin.Context) {
	u := currentUser(c)
	p := access.Of(u)
	if !allow(c, p.TrackTime || p.ViewBilling) {
		return
	}
	caseID, ok := queryID(c, "caseId")
	if !ok {
		return
	}
	list, err := app.billing.ListExpenses(c.Request.Context(), access.Cases(u), caseID, models.BillingStatus(c.Query("status")))
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func deleteExpenseHandler(c *gin.Context) {
	if !allow(c, access.Of(currentUser(c)).ManageBilling) {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	caseID, err := app.billing.ExpenseCase(c.Request.Context(), id)
	if err != nil {
		abortErr(c, err)
		return
	}
	if !requireCase(c, caseID) {
		return
	}
	if err := app.billing.DeleteExpense(c.Request.Context(), id); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
