package models

import (
	"errors"
	"testing"
)

func score(v int) *int { return &v }

func TestMarkProcessedSelectsExactlyOne(t *testing.T) {
	r := MatchResult{FileID: 1, RowIndex: 3, OriginalValue: "shoes"}
	suggestions := []Suggestion{
		{Value: "Shoes", Score: score(95), Source: SuggestionSourceMeta},
		{Value: "Shoes Marketing", Score: score(62), Source: SuggestionSourceMeta},
		{Value: "Footwear", Score: score(80), Source: SuggestionSourceMeta},
	}
	if err := r.MarkProcessed(suggestions, 0); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	if r.Status != ResultStatusProcessed {
		t.Errorf("status = %s, want processed", r.Status)
	}
	if r.SelectedSuggestion == nil || r.SelectedSuggestion.Value != "Shoes" {
		t.Fatalf("selected = %+v, want Shoes", r.SelectedSuggestion)
	}
	if r.MatchScore == nil || *r.MatchScore != 95 {
		t.Errorf("match score = %v, want 95", r.MatchScore)
	}
	selected := 0
	for _, s := range r.Suggestions {
		if s.IsSelected {
			selected++
		}
	}
	if selected != 1 {
		t.Errorf("%d suggestions selected, want exactly 1", selected)
	}
}

func TestMarkProcessedInvalidIndex(t *testing.T) {
	r := MatchResult{}
	err := r.MarkProcessed([]Suggestion{{Value: "a"}}, 5)
	if !errors.Is(err, ErrInvalidSuggestionIndex) {
		t.Fatalf("err = %v, want ErrInvalidSuggestionIndex", err)
	}
	if r.Status == ResultStatusProcessed {
		t.Error("result must not become processed on invalid index")
	}
}

func TestMarkProcessedClearsPreviousError(t *testing.T) {
	r := MatchResult{}
	r.MarkFailed("provider timeout")
	if r.Status != ResultStatusFailed || r.ErrorMessage == "" {
		t.Fatalf("MarkFailed state = %s/%q", r.Status, r.ErrorMessage)
	}
	if err := r.MarkProcessed([]Suggestion{{Value: "a", Score: score(50)}}, 0); err != nil {
		t.Fatal(err)
	}
	if r.ErrorMessage != "" {
		t.Errorf("error message = %q, want cleared", r.ErrorMessage)
	}
}

func TestChangeSelectedSuggestionMovesFlag(t *testing.T) {
	r := MatchResult{}
	if err := r.MarkProcessed([]Suggestion{
		{Value: "a", Score: score(90)},
		{Value: "b", Score: score(70)},
		{Value: "c", Score: score(40)},
	}, 0); err != nil {
		t.Fatal(err)
	}

	if err := r.ChangeSelectedSuggestion(2); err != nil {
		t.Fatalf("ChangeSelectedSuggestion: %v", err)
	}
	if r.SelectedSuggestion.Value != "c" || *r.MatchScore != 40 {
		t.Errorf("selection = %+v score %v, want c/40", r.SelectedSuggestion, r.MatchScore)
	}
	for i, s := range r.Suggestions {
		if s.IsSelected != (i == 2) {
			t.Errorf("suggestion %d selected = %v", i, s.IsSelected)
		}
	}

	// Re-selecting the current candidate is idempotent.
	if err := r.ChangeSelectedSuggestion(2); err != nil {
		t.Fatalf("idempotent re-select: %v", err)
	}
	if r.SelectedSuggestion.Value != "c" {
		t.Errorf("selection changed on re-select: %+v", r.SelectedSuggestion)
	}

	if err := r.ChangeSelectedSuggestion(-1); !errors.Is(err, ErrInvalidSuggestionIndex) {
		t.Fatalf("err = %v, want ErrInvalidSuggestionIndex", err)
	}
}
