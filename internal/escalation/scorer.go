package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"labyrinth/internal/monitor"
)

// ScoreRequest carries the behavioral signal sent to the scorer.
type ScoreRequest struct {
	SessionID  string   `json:"session_id"`
	SourceAddr string   `json:"source_addr"`
	Indicators []string `json:"indicators,omitempty"`
}

// ScoreResult is the scorer's verdict: a bounded numeric score plus
// the indicator labels that produced it.
type ScoreResult struct {
	Score      float64  `json:"score"`
	Indicators []string `json:"indicators,omitempty"`
}

// Scorer is the external scoring collaborator. Implementations must be
// treated as unreliable; callers always bound the call with a timeout.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (ScoreResult, error)
}

// HTTPScorer talks JSON to a remote scoring service.
type HTTPScorer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPScorer(baseURL string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPScorer) Score(ctx context.Context, req ScoreRequest) (ScoreResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("marshal score request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return ScoreResult{}, fmt.Errorf("build score request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		monitor.ScorerErrorsTotal.Inc()
		return ScoreResult{}, fmt.Errorf("%w: %v", ErrScorerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		monitor.ScorerErrorsTotal.Inc()
		return ScoreResult{}, fmt.Errorf("%w: status %d", ErrScorerUnavailable, resp.StatusCode)
	}

	var result ScoreResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		monitor.ScorerErrorsTotal.Inc()
		return ScoreResult{}, fmt.Errorf("%w: decode response: %v", ErrScorerUnavailable, err)
	}
	return result, nil
}
