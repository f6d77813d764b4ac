package models

import "time"

// Document is a file attached to a case. StorageKey addresses the blob in the
// configured store; the file name is only what the uploader called it.
type Document struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	CaseID        uint      `gorm:"index;not null" json:"caseId"`
	UploadedByID  uint      `gorm:"index;not null" json:"uploadedById"`
	FileName      string    `gorm:"size:255;not null" json:"fileName"`
	ContentType   string    `gorm:"size:128" json:"contentType,omitempty"`
	Size          int64     `gorm:"not null" json:"size"`
	StorageKey    string    `gorm:"size:512;not null;uniqueIndex" json:"-"`
	ThumbnailKey  string    `gorm:"size:512" json:"-"`
	HasThumbnail  bool      `gorm:"not null;default:false" json:"hasThumbnail"`
	ExtractedText string    `gorm:"type:text" json:"extractedText,omitempty"`
}
