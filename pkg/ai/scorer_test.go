package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"
)

func candidates(values ...string) []models.Suggestion {
	out := make([]models.Suggestion, len(values))
	for i, v := range values {
		out[i] = models.Suggestion{Value: v, Source: models.SuggestionSourceMeta}
	}
	return out
}

func TestMatchScoresOrdersByScore(t *testing.T) {
	cands := candidates("Shoes Marketing", "Shoes", "Footwear")
	answer := scoringAnswer{
		Scores: []candidateScore{
			{ID: 1, Suggestion: "Shoes Marketing", Score: 60},
			{ID: 2, Suggestion: "Shoes", Score: 95},
			{ID: 3, Suggestion: "Footwear", Score: 80},
		},
		BestMatchID:    2,
		BestMatchScore: 95,
	}

	res, err := matchScores(cands, answer)
	if err != nil {
		t.Fatalf("matchScores: %v", err)
	}
	if res.BestIndex != 0 || res.BestScore != 95 {
		t.Errorf("best = index %d score %d, want 0/95", res.BestIndex, res.BestScore)
	}
	wantOrder := []string{"Shoes", "Footwear", "Shoes Marketing"}
	for i, w := range wantOrder {
		if res.Scored[i].Value != w {
			t.Errorf("scored[%d] = %q, want %q", i, res.Scored[i].Value, w)
		}
	}
}

func TestMatchScoresClampsAndIgnoresUnknownIDs(t *testing.T) {
	cands := candidates("Shoes", "Boots")
	answer := scoringAnswer{
		Scores: []candidateScore{
			{ID: 1, Score: 150},
			{ID: 2, Score: -20},
			{ID: 9, Score: 70}, // no such candidate
		},
		BestMatchID: 1,
	}

	res, err := matchScores(cands, answer)
	if err != nil {
		t.Fatalf("matchScores: %v", err)
	}
	if *res.Scored[0].Score != 100 {
		t.Errorf("clamped high score = %d, want 100", *res.Scored[0].Score)
	}
	if *res.Scored[1].Score != 0 {
		t.Errorf("clamped low score = %d, want 0", *res.Scored[1].Score)
	}
}

func TestMatchScoresUnscoredBestFails(t *testing.T) {
	cands := candidates("Shoes", "Boots")
	answer := scoringAnswer{BestMatchID: 1}
	_, err := matchScores(cands, answer)
	if !errors.Is(err, ErrScoring) {
		t.Fatalf("err = %v, want ErrScoring", err)
	}
}

func TestHeuristicExactMatch(t *testing.T) {
	h := NewHeuristicScorerWithSeed(1)
	res, err := h.Score(context.Background(), "shoes", candidates("Running", "Shoes"))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.Scored[0].Value != "Shoes" {
		t.Errorf("best = %q, want exact match first", res.Scored[0].Value)
	}
	if res.BestScore != 95 {
		t.Errorf("exact match score = %d, want exactly 95", res.BestScore)
	}
}

func TestHeuristicScoreBands(t *testing.T) {
	h := NewHeuristicScorerWithSeed(42)
	ctx := context.Background()

	// Every score stays inside the clamp range across repeated jittered runs.
	for i := 0; i < 50; i++ {
		res, err := h.Score(ctx, "craft beer", candidates(
			"Craft Beer Lovers", // substring band
			"Beer Pong",         // token-overlap band
			"Gardening",         // base band
		))
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		for _, s := range res.Scored {
			if *s.Score < 35 || *s.Score > 98 {
				t.Fatalf("score %d for %q out of [35,98]", *s.Score, s.Value)
			}
		}
		if res.Scored[0].Value != "Craft Beer Lovers" {
			t.Errorf("best = %q, want the substring match", res.Scored[0].Value)
		}
	}
}

func TestHeuristicEmptyCandidates(t *testing.T) {
	h := NewHeuristicScorerWithSeed(1)
	_, err := h.Score(context.Background(), "shoes", nil)
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("err = %v, want ErrNoCandidates", err)
	}
}

type stubScorer struct {
	res Result
	err error
}

func (s stubScorer) Score(context.Context, string, []models.Suggestion) (Result, error) {
	return s.res, s.err
}

func TestFallbackScorer(t *testing.T) {
	boom := errors.New("model down")
	ok := Result{BestScore: 88}

	f := &FallbackScorer{Primary: stubScorer{err: boom}, Fallback: stubScorer{res: ok}}
	res, err := f.Score(context.Background(), "kw", candidates("a"))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if res.BestScore != 88 {
		t.Errorf("fallback result not used: %+v", res)
	}

	f.Strict = true
	if _, err := f.Score(context.Background(), "kw", candidates("a")); !errors.Is(err, boom) {
		t.Fatalf("strict err = %v, want primary error", err)
	}
}
