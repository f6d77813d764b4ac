package billing

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"caseace/models"
)

// maxNumberAttempts bounds the count-and-check loop before falling back to a
// timestamp suffix.
const maxNumberAttempts = 10

// NextInvoiceNumber returns an unused INV-{year}-{seq} number. The sequence is
// the count of invoices already numbered in that year plus one; when a
// concurrent writer took that number the next candidates are tried.
func NextInvoiceNumber(tx *gorm.DB, now time.Time) (string, error) {
	return NextNumber(tx, &models.Invoice{}, "invoice_number", fmt.Sprintf("INV-%d-", now.Year()), now)
}

// NextNumber generates prefix + 4-digit sequence for column of model. It is
// shared with case numbering.
func NextNumber(tx *gorm.DB, model any, column, prefix string, now time.Time) (string, error) {
	for attempt := 0; attempt < maxNumberAttempts; attempt++ {
		var count int64
		if err := tx.Model(model).Where(column+" LIKE ?", prefix+"%").Count(&count).Error; err != nil {
			return "", err
		}
		candidate := fmt.Sprintf("%s%04d", prefix, count+1+int64(attempt))
		var taken int64
		if err := tx.Model(model).Where(column+" = ?", candidate).Count(&taken).Error; err != nil {
			return "", err
		}
		if taken == 0 {
			return candidate, nil
		}
	}
	return fmt.Sprintf("%s%d", prefix, now.UnixMilli()), nil
}
