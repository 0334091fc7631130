package ai

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"
)

// HeuristicScorer approximates relevance with string similarity. It keeps the
// pipeline moving when no model is available; its scores are capped below the
// range a confident model answer would use.
type HeuristicScorer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewHeuristicScorer seeds from the clock.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewHeuristicScorerWithSeed is for deterministic tests.
func NewHeuristicScorerWithSeed(seed int64) *HeuristicScorer {
	return &HeuristicScorer{rnd: rand.New(rand.NewSource(seed))}
}

// Score rates every candidate against the keyword and returns them ordered
// best first. It never fails on non-empty input.
func (h *HeuristicScorer) Score(_ context.Context, keyword string, candidates []models.Suggestion) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, ErrNoCandidates
	}

	scored := make([]models.Suggestion, len(candidates))
	copy(scored, candidates)

	h.mu.Lock()
	for i := range scored {
		v := h.heuristicScore(keyword, scored[i].Value)
		scored[i].Score = &v
	}
	h.mu.Unlock()

	sort.SliceStable(scored, func(i, j int) bool {
		return *scored[i].Score > *scored[j].Score
	})
	return Result{Scored: scored, BestIndex: 0, BestScore: *scored[0].Score}, nil
}

// heuristicScore must be called with h.mu held.
func (h *HeuristicScorer) heuristicScore(keyword, candidate string) int {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	cand := strings.ToLower(strings.TrimSpace(candidate))

	if kw == cand {
		// An exact match is certain; no jitter.
		return 95
	}

	var base int
	switch {
	case strings.Contains(cand, kw) || strings.Contains(kw, cand):
		base = 85
	default:
		matches := wordOverlap(kw, cand)
		if matches > 0 {
			bonus := 10 * matches
			if bonus > 25 {
				bonus = 25
			}
			base = 60 + bonus
		} else {
			base = 50
		}
	}

	score := base + h.rnd.Intn(11) - 5
	if score < 35 {
		score = 35
	}
	if score > 98 {
		score = 98
	}
	return score
}

func wordOverlap(a, b string) int {
	words := make(map[string]bool)
	for _, w := range strings.Fields(a) {
		words[w] = true
	}
	n := 0
	for _, w := range strings.Fields(b) {
		if words[w] {
			n++
			words[w] = false
		}
	}
	return n
}

// FallbackScorer tries the primary scorer and degrades to the fallback when
// it fails. With Strict set, primary failures are returned as-is.
type FallbackScorer struct {
	Primary  Scorer
	Fallback Scorer
	Strict   bool
}

func (f *FallbackScorer) Score(ctx context.Context, keyword string, candidates []models.Suggestion) (Result, error) {
	res, err := f.Primary.Score(ctx, keyword, candidates)
	if err == nil {
		return res, nil
	}
	if f.Strict || f.Fallback == nil {
		return Result{}, err
	}
	log.Printf("ai: primary scorer failed for %q, using heuristic: %v", keyword, err)
	return f.Fallback.Score(ctx, keyword, candidates)
}
