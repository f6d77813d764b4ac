// Package docs stores the files attached to cases: upload, thumbnails,
// optional text recognition, download and removal.
package docs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/access"
	"caseace/pkg/apperr"
	"caseace/pkg/logger"
	"caseace/pkg/notify"
	"caseace/pkg/storage"
)

// ThumbnailSize bounds both sides of generated thumbnails.
const ThumbnailSize = 256

// TextExtractor recognises the text of an image file.
type TextExtractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
}

type Service struct {
	db       *gorm.DB
	store    storage.Store
	notify   *notify.Service
	text     TextExtractor
	maxBytes int64
	now      func() time.Time
	log      zerolog.Logger
}

// NewService wires the document service. Uploads larger than maxBytes are
// rejected.
func NewService(db *gorm.DB, store storage.Store, n *notify.Service, maxBytes int64) *Service {
	return &Service{db: db, store: store, notify: n, maxBytes: maxBytes, now: time.Now, log: logger.WithComponent("docs")}
}

// WithExtractor enables text recognition on uploaded images.
func (s *Service) WithExtractor(x TextExtractor) *Service {
	s.text = x
	return s
}

// Upload is one incoming file.
type Upload struct {
	CaseID      uint
	FileName    string
	ContentType string
	Body        io.Reader
}

// Upload stores a file on a case visible to actor and records it. The blob
// is written before the row; when the insert fails the blob is removed again.
func (s *Service) Upload(ctx context.Context, actor *models.User, up Upload) (*models.Document, error) {
	const op = "docs.Upload"
	if !access.Of(actor).UploadDocs {
		return nil, apperr.Forbidden(op, "not allowed to upload documents")
	}
	name := cleanFileName(up.FileName)
	if name == "" {
		return nil, apperr.Validation(op, "file name is required")
	}
	if _, err := access.RequireCase(s.db.WithContext(ctx), actor, up.CaseID, op); err != nil {
		return nil, err
	}

	tmp, size, err := s.spool(up.Body)
	if tmp != "" {
		defer os.Remove(tmp)
	}
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	if size == 0 {
		return nil, apperr.Validation(op, "file is empty")
	}
	if size > s.maxBytes {
		return nil, apperr.Validation(op, fmt.Sprintf("file exceeds %d MB", s.maxBytes>>20))
	}
	contentType := detectContentType(tmp, name, up.ContentType)

	key := fmt.Sprintf("%d/%s%s", up.CaseID, uuid.NewString(), strings.ToLower(filepath.Ext(name)))
	if err := s.putFile(ctx, key, tmp); err != nil {
		return nil, apperr.Wrap(op, err)
	}
	keys := []string{key}

	doc := models.Document{
		CaseID:       up.CaseID,
		UploadedByID: actor.ID,
		FileName:     name,
		ContentType:  contentType,
		Size:         size,
		StorageKey:   key,
	}
	if isImage(contentType) {
		if thumb, err := s.thumbnail(ctx, key, tmp); err != nil {
			s.log.Warn().Err(err).Str("file", name).Msg("thumbnail failed")
		} else {
			doc.ThumbnailKey = thumb
			doc.HasThumbnail = true
			keys = append(keys, thumb)
		}
		doc.ExtractedText = s.extract(ctx, tmp, name)
	}

	var notes []models.Notification
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&doc).Error; err != nil {
			return err
		}
		var c models.Case
		if err := tx.First(&c, doc.CaseID).Error; err != nil {
			return err
		}
		members, err := access.CaseMembers(tx, &c)
		if err != nil {
			return err
		}
		var pending []notify.Note
		for _, uid := range members {
			if uid == actor.ID {
				continue
			}
			pending = append(pending, notify.Note{
				UserID: uid, Type: models.NotifyDocumentAdded,
				Title:    "New document",
				Message:  fmt.Sprintf("%s added %q to case %s.", actor.Name, name, c.CaseNumber),
				Metadata: map[string]any{"documentId": doc.ID, "caseId": c.ID},
			})
		}
		notes, err = s.notify.Create(ctx, tx, pending...)
		return err
	})
	if err != nil {
		s.removeFiles(ctx, keys...)
		return nil, apperr.Wrap(op, err)
	}
	s.notify.Deliver(ctx, notes)
	s.log.Info().Uint("document_id", doc.ID).Uint("case_id", doc.CaseID).Int64("size", size).Msg("document stored")
	return &doc, nil
}

// List returns the documents of a case visible to u, newest first.
func (s *Service) List(ctx context.Context, u *models.User, caseID uint) ([]models.Document, error) {
	const op = "docs.List"
	db := s.db.WithContext(ctx)
	if _, err := access.RequireCase(db, u, caseID, op); err != nil {
		return nil, err
	}
	var out []models.Document
	if err := db.Where("case_id = ?", caseID).Order("created_at DESC, id DESC").Find(&out).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return out, nil
}

// Get loads a document on a case visible to u.
func (s *Service) Get(ctx context.Context, u *models.User, id uint) (*models.Document, error) {
	const op = "docs.Get"
	db := s.db.WithContext(ctx)
	var d models.Document
	err := db.Where("id = ? AND case_id IN (?)", id, access.VisibleCaseIDs(db, u)).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "document")
	}
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return &d, nil
}

// Open returns the document and a reader over its content. The caller
// closes the reader.
func (s *Service) Open(ctx context.Context, u *models.User, id uint) (*models.Document, io.ReadCloser, error) {
	d, err := s.Get(ctx, u, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.openKey(ctx, d.StorageKey, "docs.Open")
	if err != nil {
		return nil, nil, err
	}
	return d, rc, nil
}

// OpenThumbnail returns a reader over the JPEG thumbnail of an image
// document.
func (s *Service) OpenThumbnail(ctx context.Context, u *models.User, id uint) (io.ReadCloser, error) {
	d, err := s.Get(ctx, u, id)
	if err != nil {
		return nil, err
	}
	if !d.HasThumbnail {
		return nil, apperr.NotFound("docs.OpenThumbnail", "thumbnail")
	}
	return s.openKey(ctx, d.ThumbnailKey, "docs.OpenThumbnail")
}

// Delete removes the row first and the stored files after the commit. Only
// the uploader or someone who manages cases may delete.
func (s *Service) Delete(ctx context.Context, u *models.User, id uint) error {
	const op = "docs.Delete"
	d, err := s.Get(ctx, u, id)
	if err != nil {
		return err
	}
	if d.UploadedByID != u.ID && !access.Of(u).ManageCases {
		return apperr.Forbidden(op, "only the uploader may delete this document")
	}
	if err := s.db.WithContext(ctx).Delete(&models.Document{}, d.ID).Error; err != nil {
		return apperr.Wrap(op, err)
	}
	keys := []string{d.StorageKey}
	if d.ThumbnailKey != "" {
		keys = append(keys, d.ThumbnailKey)
	}
	s.removeFiles(ctx, keys...)
	return nil
}

func (s *Service) openKey(ctx context.Context, key, op string) (io.ReadCloser, error) {
	rc, err := s.store.Open(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound(op, "document file")
	}
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}
	return rc, nil
}

// spool copies body into a temp file, reading at most one byte past the
// limit so oversized uploads are detected without storing them whole.
func (s *Service) spool(body io.Reader) (string, int64, error) {
	f, err := os.CreateTemp("", "caseace-upload-*")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, io.LimitReader(body, s.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return f.Name(), n, err
}

func (s *Service) putFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = s.store.Put(ctx, key, f)
	return err
}

func (s *Service) thumbnail(ctx context.Context, key, path string) (string, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", err
	}
	thumb := imaging.Fit(img, ThumbnailSize, ThumbnailSize, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return "", err
	}
	thumbKey := strings.TrimSuffix(key, filepath.Ext(key)) + "_thumb.jpg"
	if _, err := s.store.Put(ctx, thumbKey, &buf); err != nil {
		return "", err
	}
	return thumbKey, nil
}

func (s *Service) extract(ctx context.Context, path, name string) string {
	if s.text == nil {
		return ""
	}
	text, err := s.text.ExtractText(ctx, path)
	if err != nil {
		s.log.Debug().Err(err).Str("file", name).Msg("no text recognised")
		return ""
	}
	return text
}

func (s *Service) removeFiles(ctx context.Context, keys ...string) {
	for _, k := range keys {
		if err := s.store.Delete(ctx, k); err != nil {
			s.log.Warn().Err(err).Str("key", k).Msg("remove document file")
		}
	}
}

// cleanFileName keeps only the base name of what the client sent.
func cleanFileName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = filepath.Base(filepath.FromSlash(name))
	if name == "." || name == "/" || name == string(filepath.Separator) {
		return ""
	}
	if len(name) > 255 {
		ext := filepath.Ext(name)
		name = name[:255-len(ext)] + ext
	}
	return name
}

// detectContentType sniffs the spooled file and falls back to the declared
// type, then to the extension, when sniffing is inconclusive.
func detectContentType(path, name, declared string) string {
	sniffed := ""
	if f, err := os.Open(path); err == nil {
		buf := make([]byte, 512)
		n, _ := f.Read(buf)
		_ = f.Close()
		if n > 0 {
			sniffed = http.DetectContentType(buf[:n])
		}
	}
	if sniffed != "" && sniffed != "application/octet-stream" && !strings.HasPrefix(sniffed, "text/plain") {
		return sniffed
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); byExt != "" {
		return byExt
	}
	if sniffed != "" {
		return sniffed
	}
	return "application/octet-stream"
}

func isImage(contentType string) bool {
	switch strings.SplitN(contentType, ";", 2)[0] {
	case "image/png", "image/jpeg", "image/gif", "image/bmp", "image/tiff":
		return true
	}
	return false
}
