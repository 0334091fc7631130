package models

import (
	"encoding/json"
	"errors"
	"time"
)

// MatchResult lifecycle statuses.
const (
	ResultStatusPending   = "pending"
	ResultStatusProcessed = "processed"
	ResultStatusFailed    = "failed"
)

// Suggestion sources. Fallback suggestions fabricated while the provider is
// unavailable are persisted with SourceSimulated so they can never be
// mistaken for real provider data.
const (
	SuggestionSourceMeta      = "meta"
	SuggestionSourceSimulated = "simulated"
)

// ErrInvalidSuggestionIndex is returned when a re-selection targets an index
// outside the candidate list.
var ErrInvalidSuggestionIndex = errors.New("invalid suggestion index")

// Suggestion is one targeting candidate returned for a keyword. It is an
// embedded value stored inside its MatchResult, not independently
// addressable.
type Suggestion struct {
	Value        string `json:"value"`
	AudienceSize int64  `json:"audienceSize"`
	// TargetingSpec is the provider's opaque targeting payload, kept as raw
	// JSON. Nothing in this system inspects its internals.
	TargetingSpec json.RawMessage `json:"targetingSpec,omitempty"`
	Source        string          `json:"source"`
	Score         *int            `json:"score,omitempty"` // 0-100 when present
	IsSelected    bool            `json:"isSelected"`
}

// MatchResult is the outcome of matching one spreadsheet cell against the
// targeting provider. It belongs to exactly one File and is removed when the
// file is deleted.
type MatchResult struct {
	ID        uint `gorm:"primaryKey"`
	CreatedAt time.Time
	UpdatedAt time.Time

	FileID uint `gorm:"not null;index:idx_results_file_row,priority:1;index:idx_results_file_status,priority:1;index:idx_results_file_score,priority:1"`
	File   File `gorm:"foreignKey:FileID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;"`

	// RowIndex is the 1-based position of the source cell among the data
	// rows of the original spreadsheet (header excluded). Stable for the
	// lifetime of the result.
	RowIndex      int    `gorm:"not null;index:idx_results_file_row,priority:2"`
	OriginalValue string `gorm:"size:512;not null"`

	Suggestions        []Suggestion `gorm:"serializer:json;type:jsonb"`
	SelectedSuggestion *Suggestion  `gorm:"serializer:json;type:jsonb"`
	MatchScore         *int         `gorm:"index:idx_results_file_score,priority:2,sort:desc"`

	Status       string `gorm:"size:16;not null;default:'pending';index:idx_results_file_status,priority:2"`
	ErrorMessage string `gorm:"size:512"`
}

// MarkProcessed stores the scored candidate list, flags the candidate at
// selectedIndex as the chosen one and mirrors its score into MatchScore.
// The caller persists the result.
func (r *MatchResult) MarkProcessed(suggestions []Suggestion, selectedIndex int) error {
	if selectedIndex < 0 || selectedIndex >= len(suggestions) {
		return ErrInvalidSuggestionIndex
	}
	for i := range suggestions {
		suggestions[i].IsSelected = i == selectedIndex
	}
	r.Suggestions = suggestions
	sel := suggestions[selectedIndex]
	r.SelectedSuggestion = &sel
	r.MatchScore = sel.Score
	r.Status = ResultStatusProcessed
	r.ErrorMessage = ""
	return nil
}

// MarkFailed records a row-level failure without touching any suggestions
// already attached.
func (r *MatchResult) MarkFailed(message string) {
	r.Status = ResultStatusFailed
	r.ErrorMessage = message
}

// ChangeSelectedSuggestion moves the isSelected flag to the candidate at
// index and recomputes MatchScore. Re-selecting the current candidate is a
// no-op beyond rewriting the same state.
func (r *MatchResult) ChangeSelectedSuggestion(index int) error {
	if index < 0 || index >= len(r.Suggestions) {
		return ErrInvalidSuggestionIndex
	}
	for i := range r.Suggestions {
		r.Suggestions[i].IsSelected = i == index
	}
	sel := r.Suggestions[index]
	r.SelectedSuggestion = &sel
	r.MatchScore = sel.Score
	return nil
}
