package models

import "time"

// File lifecycle statuses. Transitions move forward only
// (uploaded -> processing -> completed); error is reachable from any
// non-terminal state.
const (
	FileStatusUploaded   = "uploaded"
	FileStatusProcessing = "processing"
	FileStatusCompleted  = "completed"
	FileStatusError      = "error"
)

// File represents an uploaded spreadsheet and the state of its column
// processing run.
type File struct {
	ID           uint `gorm:"primaryKey"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StoredName   string `gorm:"size:255;not null"`
	OriginalName string `gorm:"size:255;not null"`
	Path         string `gorm:"size:512;not null"`
	Size         int64  `gorm:"not null"`
	// Columns preserves the spreadsheet's header order.
	Columns        []string `gorm:"serializer:json;type:jsonb"`
	RowCount       int      `gorm:"not null;default:0"`
	SelectedColumn *string  `gorm:"size:255"`
	Status         string   `gorm:"size:16;not null;default:'uploaded';index"`
	ErrorMessage   string   `gorm:"size:512"`

	ProcessingStartedAt   *time.Time
	ProcessingCompletedAt *time.Time
	ProcessedRows         int `gorm:"not null;default:0"`
	Progress              int `gorm:"not null;default:0"` // 0-100
}

// HasColumn reports whether name is one of the file's header columns.
func (f *File) HasColumn(name string) bool {
	for _, c := range f.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// StartProcessing records the beginning of a processing run for the given
// column. It resets the counters of any previous run.
func (f *File) StartProcessing(column string) {
	now := time.Now()
	f.SelectedColumn = &column
	f.Status = FileStatusProcessing
	f.ProcessingStartedAt = &now
	f.ProcessingCompletedAt = nil
	f.ProcessedRows = 0
	f.Progress = 0
	f.ErrorMessage = ""
}

// CompleteProcessing marks the run as finished.
func (f *File) CompleteProcessing() {
	now := time.Now()
	f.Status = FileStatusCompleted
	f.ProcessingCompletedAt = &now
	f.Progress = 100
}

// MarkError puts the file into the terminal error state.
func (f *File) MarkError(message string) {
	f.Status = FileStatusError
	f.ErrorMessage = message
}
