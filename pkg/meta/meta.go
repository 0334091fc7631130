// Package meta talks to the Meta Marketing API interest search and, when the
// API is unreachable or unconfigured, fabricates clearly-flagged simulated
// suggestions so the rest of the pipeline keeps working.
package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/angelogeraci/excel-meta-ai-matcher/models"
)

const (
	defaultBaseURL    = "https://graph.facebook.com"
	defaultAPIVersion = "v18.0"
)

// ErrNotConfigured is returned when no access token is available and the
// client is not allowed to fall back to simulated data.
var ErrNotConfigured = errors.New("meta: no access token configured")

// ErrProvider wraps upstream failures of the Graph API.
var ErrProvider = errors.New("meta: provider error")

// Client queries the Graph API adinterest search. The zero value is not
// usable; construct with NewClient or NewClientFromEnv.
type Client struct {
	AccessToken string
	APIVersion  string
	BaseURL     string
	HTTPClient  *http.Client
	// AllowFallback makes Suggest return simulated candidates instead of an
	// error when the provider is unavailable.
	AllowFallback bool

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewClient builds a client with the given token. An empty token is allowed;
// such a client only works with AllowFallback set.
func NewClient(accessToken string) *Client {
	return &Client{
		AccessToken: accessToken,
		APIVersion:  defaultAPIVersion,
		BaseURL:     defaultBaseURL,
		HTTPClient:  &http.Client{Timeout: 15 * time.Second},
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewClientFromEnv reads META_ACCESS_TOKEN and META_API_VERSION.
func NewClientFromEnv() *Client {
	c := NewClient(os.Getenv("META_ACCESS_TOKEN"))
	if v := os.Getenv("META_API_VERSION"); v != "" {
		c.APIVersion = v
	}
	return c
}

// Configured reports whether real provider calls are possible.
func (c *Client) Configured() bool { return c.AccessToken != "" }

type searchResponse struct {
	Data []struct {
		ID                     string          `json:"id"`
		Name                   string          `json:"name"`
		AudienceSize           int64           `json:"audience_size"`
		AudienceSizeLowerBound int64           `json:"audience_size_lower_bound"`
		AudienceSizeUpperBound int64           `json:"audience_size_upper_bound"`
		Path                   json.RawMessage `json:"path"`
		Topic                  string          `json:"topic"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// targetingSpec is what gets persisted alongside each candidate so a later
// campaign build can reference the interest directly.
type targetingSpec struct {
	Interests []targetingInterest `json:"interests"`
}

type targetingInterest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Suggest returns up to limit targeting candidates for keyword, ordered as
// the provider returns them. When the provider cannot be used and fallback is
// allowed, the candidates are simulated and flagged as such.
func (c *Client) Suggest(ctx context.Context, keyword string, limit int) ([]models.Suggestion, error) {
	if limit <= 0 {
		limit = 10
	}
	if !c.Configured() {
		if c.AllowFallback {
			return c.simulate(keyword, limit), nil
		}
		return nil, ErrNotConfigured
	}
	suggestions, err := c.search(ctx, keyword, limit)
	if err != nil {
		if c.AllowFallback {
			return c.simulate(keyword, limit), nil
		}
		return nil, err
	}
	return suggestions, nil
}

func (c *Client) search(ctx context.Context, keyword string, limit int) ([]models.Suggestion, error) {
	q := url.Values{}
	q.Set("q", keyword)
	q.Set("type", "adinterest")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("access_token", c.AccessToken)

	endpoint := fmt.Sprintf("%s/%s/search?%s", c.BaseURL, c.APIVersion, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: unexpected response: %v", ErrProvider, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("%w: %s (code %d)", ErrProvider, parsed.Error.Message, parsed.Error.Code)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrProvider, resp.StatusCode)
	}

	out := make([]models.Suggestion, 0, len(parsed.Data))
	for _, d := range parsed.Data {
		spec, err := json.Marshal(targetingSpec{
			Interests: []targetingInterest{{ID: d.ID, Name: d.Name}},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProvider, err)
		}
		// Midpoint when both bounds are present, otherwise the provider's
		// point estimate, otherwise whatever single bound came back.
		var audience int64
		switch {
		case d.AudienceSizeLowerBound > 0 && d.AudienceSizeUpperBound > 0:
			audience = (d.AudienceSizeLowerBound + d.AudienceSizeUpperBound) / 2
		case d.AudienceSize > 0:
			audience = d.AudienceSize
		default:
			audience = d.AudienceSizeLowerBound
		}
		out = append(out, models.Suggestion{
			Value:         d.Name,
			AudienceSize:  audience,
			TargetingSpec: spec,
			Source:        models.SuggestionSourceMeta,
		})
	}
	return out, nil
}

// simulate fabricates plausible interest names around the keyword. Every
// candidate carries SourceSimulated and a synthetic interest id so it can
// never be confused with provider data.
func (c *Client) simulate(keyword string, limit int) []models.Suggestion {
	variants := []string{
		keyword,
		keyword + " Marketing",
		"Digital " + keyword,
		keyword + " Social Media",
		"Online " + keyword,
	}
	if limit < len(variants) {
		variants = variants[:limit]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Suggestion, 0, len(variants))
	for i, v := range variants {
		// Audience shrinks down the list so the ordering looks natural.
		audience := int64(5_000_000/(i+1)) + c.rnd.Int63n(500_000)
		spec, _ := json.Marshal(targetingSpec{
			Interests: []targetingInterest{{ID: fmt.Sprintf("sim-%d", i+1), Name: v}},
		})
		out = append(out, models.Suggestion{
			Value:         v,
			AudienceSize:  audience,
			TargetingSpec: spec,
			Source:        models.SuggestionSourceSimulated,
		})
	}
	return out
}
