// Package ai scores targeting candidates against their source keyword. The
// primary scorer asks an OpenAI chat model for structured output; a heuristic
// scorer covers the case where no model is reachable.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/invopop/jsonschema"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"
)

const defaultModel = "gpt-4o"

// ErrNoCandidates is returned when there is nothing to score.
var ErrNoCandidates = errors.New("ai: no candidates to score")

// ErrScoring wraps failures of the scoring backend.
var ErrScoring = errors.New("ai: scoring failed")

// Result is a scored candidate list. Scored is ordered by score descending
// (unscored candidates last) and BestIndex points into it.
type Result struct {
	Scored    []models.Suggestion
	BestIndex int
	BestScore int
}

// Scorer assigns a 0-100 relevance score to every candidate and picks the
// best match for the keyword.
type Scorer interface {
	Score(ctx context.Context, keyword string, candidates []models.Suggestion) (Result, error)
}

// OpenAIScorer scores candidates with a chat completion constrained to a
// strict JSON schema.
type OpenAIScorer struct {
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAIScorer builds a scorer from an API key. The model comes from
// OPENAI_MODEL when set.
func NewOpenAIScorer(apiKey string) *OpenAIScorer {
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = defaultModel
	}
	return &OpenAIScorer{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  openai.ChatModel(model),
	}
}

// candidateScore is one entry of the model's answer. The id echoes the
// 1-based position of the candidate in the prompt so answers survive any
// rephrasing the model applies to the suggestion text.
type candidateScore struct {
	ID         int    `json:"id" jsonschema_description:"1-based id of the candidate being scored"`
	Suggestion string `json:"suggestion" jsonschema_description:"The candidate text as given"`
	Score      int    `json:"score" jsonschema_description:"Relevance score from 0 to 100"`
	Reason     string `json:"reason" jsonschema_description:"One short sentence justifying the score"`
}

type scoringAnswer struct {
	Scores         []candidateScore `json:"scores" jsonschema_description:"One score per candidate"`
	BestMatchID    int              `json:"best_match_id" jsonschema_description:"Id of the most relevant candidate"`
	BestMatchScore int              `json:"best_match_score" jsonschema_description:"Score of the most relevant candidate"`
}

func generateSchema[T any]() interface{} {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

var scoringSchema = generateSchema[scoringAnswer]()

// Score asks the model for a relevance score per candidate and maps the
// answer back onto the candidate list by id.
func (s *OpenAIScorer) Score(ctx context.Context, keyword string, candidates []models.Suggestion) (Result, error) {
	if len(candidates) == 0 {
		return Result{}, ErrNoCandidates
	}

	prompt := fmt.Sprintf("Keyword: %q\n\nCandidates:\n", keyword)
	for i, c := range candidates {
		prompt += fmt.Sprintf("%d. %s (audience %d)\n", i+1, c.Value, c.AudienceSize)
	}
	prompt += "\nScore each candidate from 0 to 100 for how well it matches the keyword as a Meta ad targeting interest, then name the best match by id."

	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You evaluate how well Meta ad targeting interests match a keyword. Judge semantic closeness, not string similarity."),
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        "candidate_scoring",
					Description: openai.String("Relevance scores for targeting candidates"),
					Schema:      scoringSchema,
					Strict:      openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrScoring, err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: empty completion", ErrScoring)
	}

	var answer scoringAnswer
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &answer); err != nil {
		return Result{}, fmt.Errorf("%w: malformed answer: %v", ErrScoring, err)
	}
	return matchScores(candidates, answer)
}

// matchScores applies the model's answer onto the candidate list, clamping
// scores into [0,100] and ordering the result by score descending.
func matchScores(candidates []models.Suggestion, answer scoringAnswer) (Result, error) {
	scored := make([]models.Suggestion, len(candidates))
	copy(scored, candidates)

	for _, cs := range answer.Scores {
		idx := cs.ID - 1
		if idx < 0 || idx >= len(scored) {
			continue
		}
		v := clampScore(cs.Score)
		scored[idx].Score = &v
	}

	sort.SliceStable(scored, func(i, j int) bool {
		si, sj := scored[i].Score, scored[j].Score
		if si == nil {
			return false
		}
		if sj == nil {
			return true
		}
		return *si > *sj
	})

	best := 0
	if answer.BestMatchID >= 1 && answer.BestMatchID <= len(candidates) {
		bestValue := candidates[answer.BestMatchID-1].Value
		for i, s := range scored {
			if s.Value == bestValue {
				best = i
				break
			}
		}
	}
	if scored[best].Score == nil {
		return Result{}, fmt.Errorf("%w: best match was not scored", ErrScoring)
	}
	return Result{Scored: scored, BestIndex: best, BestScore: *scored[best].Score}, nil
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
