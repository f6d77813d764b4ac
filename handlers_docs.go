package main

import (
	"mime"
	"net/http"

	"github.com/gin-gonic/gin"

	"caseace/pkg/cases"
	"caseace/pkg/docs"
)

func listDocumentsHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	list, err := app.docs.List(c.Request.Context(), currentUser(c), id)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// uploadDocumentHandler stores the multipart field "file" on case :id.
func uploadDocumentHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fh.Size > cfg.MaxUploadMB<<20 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read upload"})
		return
	}
	defer f.Close()
	doc, err := app.docs.Upload(c.Request.Context(), currentUser(c), docs.Upload{
		CaseID:      id,
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Body:        f,
	})
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func downloadDocumentHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	doc, rc, err := app.docs.Open(c.Request.Context(), currentUser(c), id)
	if err != nil {
		abortErr(c, err)
		return
	}
	defer rc.Close()
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": doc.FileName})
	c.DataFromReader(http.StatusOK, doc.Size, doc.ContentType, rc, map[string]string{
		"Content-Disposition": disposition,
	})
}

func documentThumbnailHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	rc, err := app.docs.OpenThumbnail(c.Request.Context(), currentUser(c), id)
	if err != nil {
		abortErr(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, -1, "image/jpeg", rc, nil)
}

func deleteDocumentHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := app.docs.Delete(c.Request.Context(), currentUser(c), id); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func createAppointmentHandler(c *gin.Context) {
	var req cases.AppointmentRequest
	if !bindJSON(c, &req) {
		return
	}
	a, err := app.cases.CreateAppointment(c.Request.Context(), currentUser(c), req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func listAppointmentsHandler(c *gin.Context) {
	var f cases.AppointmentFilter
	var ok bool
	if f.CaseID, ok = queryID(c, "caseId"); !ok {
		return
	}
	if f.From, ok = queryTime(c, "from"); !ok {
		return
	}
	if f.To, ok = queryTime(c, "to"); !ok {
		return
	}
	list, err := app.cases.ListAppointments(c.Request.Context(), currentUser(c), f)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func updateAppointmentHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req cases.AppointmentUpdate
	if !bindJSON(c, &req) {
		return
	}
	a, err := app.cases.UpdateAppointment(c.Request.Context(), currentUser(c), id, req)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func deleteAppointmentHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := app.cases.DeleteAppointment(c.Request.Context(), currentUser(c), id); err != nil {
		abortErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
