package billing

import (
	"context"
	"sort"

	"gorm.io/gorm"

	"caseace/models"
	"caseace/pkg/apperr"
	"caseace/pkg/database"
)

// BulkItem is the outcome for one client of a bulk run.
type BulkItem struct {
	ClientID      uint   `json:"clientId"`
	InvoiceID     uint   `json:"invoiceId,omitempty"`
	InvoiceNumber string `json:"invoiceNumber,omitempty"`
	Merged        bool   `json:"merged"`
	Entries       int    `json:"entries"`
	Error         string `json:"error,omitempty"`
}

type BulkResult struct {
	Invoices []BulkItem `json:"invoices"`
	Errors   []BulkItem `json:"errors"`
}

// BulkDraftInvoices groups every unbilled billable time entry by the client of
// its case and drafts one invoice per client. A failing client is recorded
// and the run continues with the next one.
func (s *Service) BulkDraftInvoices(ctx context.Context) (*BulkResult, error) {
	const op = "billing.BulkDraftInvoices"
	type row struct {
		ID       uint
		ClientID uint
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Table("time_entries").
		Select("time_entries.id AS id, cases.client_id AS client_id").
		Joins("JOIN cases ON cases.id = time_entries.case_id").
		Where("time_entries.invoice_status = ? AND time_entries.billable = ?", models.BillingUnbilled, true).
		Order("cases.client_id, time_entries.id").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Wrap(op, err)
	}

	groups := map[uint][]uint{}
	for _, r := range rows {
		groups[r.ClientID] = append(groups[r.ClientID], r.ID)
	}
	clients := make([]uint, 0, len(groups))
	for id := range groups {
		clients = append(clients, id)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	res := &BulkResult{Invoices: []BulkItem{}, Errors: []BulkItem{}}
	for _, clientID := range clients {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		cid := clientID
		ids := groups[clientID]
		out, err := s.DraftFromTimeEntries(ctx, DraftRequest{TimeEntryIDs: ids, ClientID: &cid})
		if err != nil {
			s.log.Warn().Err(err).Uint("client_id", clientID).Int("entries", len(ids)).Msg("bulk draft failed for client")
			res.Errors = append(res.Errors, BulkItem{ClientID: clientID, Entries: len(ids), Error: apperr.Message(err)})
			continue
		}
		res.Invoices = append(res.Invoices, BulkItem{
			ClientID:      clientID,
			InvoiceID:     out.Invoice.ID,
			InvoiceNumber: out.Invoice.InvoiceNumber,
			Merged:        out.Merged,
			Entries:       out.Entries,
		})
	}
	return res, nil
}

// ConsolidatedGroup describes one set of duplicate drafts folded together.
type ConsolidatedGroup struct {
	CaseID           uint   `json:"caseId"`
	ClientID         uint   `json:"clientId"`
	SurvivorID       uint   `json:"survivorId"`
	SurvivorNumber   string `json:"survivorNumber"`
	RemovedInvoiceID []uint `json:"removedInvoiceIds"`
	Subtotal         string `json:"subtotal"`
	Total            string `json:"total"`
}

type ConsolidateResult struct {
	Groups  []ConsolidatedGroup `json:"groups"`
	Removed int                 `json:"removed"`
}

type draftKey struct{ caseID, clientID uint }

// ConsolidateDrafts leaves at most one DRAFT invoice per (case, client). The
// earliest created draft of a group survives and absorbs the subtotals, time
// entries, expenses and payments of the others, which are deleted. Each group
// is merged in its own transaction.
func (s *Service) ConsolidateDrafts(ctx context.Context) (*ConsolidateResult, error) {
	const op = "billing.ConsolidateDrafts"
	var drafts []models.Invoice
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.InvoiceDraft).
		Order("created_at, id").
		Find(&drafts).Error; err != nil {
		return nil, apperr.Wrap(op, err)
	}

	var keys []draftKey
	groups := map[draftKey][]uint{}
	for _, d := range drafts {
		k := draftKey{d.CaseID, d.ClientID}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], d.ID)
	}

	res := &ConsolidateResult{Groups: []ConsolidatedGroup{}}
	for _, k := range keys {
		ids := groups[k]
		if len(ids) < 2 {
			continue
		}
		var g *ConsolidatedGroup
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			g, err = s.mergeDrafts(tx, ids)
			return err
		})
		if err != nil {
			return res, apperr.Wrap(op, err)
		}
		if g == nil {
			continue
		}
		res.Groups = append(res.Groups, *g)
		res.Removed += len(g.RemovedInvoiceID)
		s.log.Info().
			Uint("survivor_id", g.SurvivorID).
			Uints("removed", g.RemovedInvoiceID).
			Str("subtotal", g.Subtotal).
			Msg("draft invoices consolidated")
	}
	return res, nil
}

func (s *Service) mergeDrafts(tx *gorm.DB, ids []uint) (*ConsolidatedGroup, error) {
	var drafts []models.Invoice
	if err := tx.Clauses(database.ForUpdate()).
		Where("id IN ? AND status = ?", ids, models.InvoiceDraft).
		Order("created_at, id").
		Find(&drafts).Error; err != nil {
		return nil, err
	}
	if len(drafts) < 2 {
		return nil, nil
	}
	survivor := drafts[0]
	removed := make([]uint, 0, len(drafts)-1)
	for _, d := range drafts[1:] {
		survivor.Subtotal = survivor.Subtotal.Add(d.Subtotal)
		removed = append(removed, d.ID)
	}
	survivor.ApplyTax(s.taxRate)

	for _, model := range []any{&models.TimeEntry{}, &models.Expense{}, &models.Payment{}} {
		if err := tx.Model(model).Where("invoice_id IN ?", removed).Update("invoice_id", survivor.ID).Error; err != nil {
			return nil, err
		}
	}
	if err := tx.Where("id IN ?", removed).Delete(&models.Invoice{}).Error; err != nil {
		return nil, err
	}
	if err := tx.Save(&survivor).Error; err != nil {
		return nil, err
	}
	return &ConsolidatedGroup{
		CaseID:           survivor.CaseID,
		ClientID:         survivor.ClientID,
		SurvivorID:       survivor.ID,
		SurvivorNumber:   survivor.InvoiceNumber,
		RemovedInvoiceID: removed,
		Subtotal:         survivor.Subtotal.StringFixed(2),
		Total:            survivor.Total.StringFixed(2),
	}, nil
}
