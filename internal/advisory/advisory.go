// Package advisory asks an external language-model service to pick one
// market out of the scanner's candidates. Failures are never fatal to the
// trading loop; callers fall back to a heuristic choice.
package advisory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coinbutler/coinbutler/internal/domain"
)

// ErrorKind classifies advisory failures.
type ErrorKind string

const (
	// KindRequest covers network and transport failures.
	KindRequest ErrorKind = "request"
	// KindStatus covers non-2xx responses from the service.
	KindStatus ErrorKind = "status"
	// KindParse covers replies that are not valid JSON after unwrapping.
	KindParse ErrorKind = "parse"
	// KindSchema covers valid JSON that violates the expected schema.
	KindSchema ErrorKind = "schema"
)

// Error is a typed advisory failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("advisory: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Config holds the advisory service connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// MinConfidence is the acceptance floor, inclusive.
	MinConfidence int
}

// DefaultConfig returns the live settings minus credentials.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "https://generativelanguage.googleapis.com",
		Model:         "gemini-2.0-flash",
		Timeout:       30 * time.Second,
		MinConfidence: 6,
	}
}

// Client calls a generateContent-style endpoint and decodes the structured
// recommendation out of the reply text.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an advisory Client.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(slog.String("component", "advisory")),
	}
}

// Recommend asks the service to choose among the candidates. The returned
// error, when non-nil, is always a *Error.
func (c *Client) Recommend(ctx context.Context, candidates []domain.Candidate) (domain.AdvisoryResult, error) {
	if len(candidates) == 0 {
		return domain.AdvisoryResult{}, &Error{Kind: KindRequest, Err: fmt.Errorf("no candidates")}
	}

	reqBody := generateRequest{
		Contents: []content{{Parts: []part{{Text: buildPrompt(candidates)}}}},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return domain.AdvisoryResult{}, &Error{Kind: KindRequest, Err: err}
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Model, c.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.AdvisoryResult{}, &Error{Kind: KindRequest, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.AdvisoryResult{}, &Error{Kind: KindRequest, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.AdvisoryResult{}, &Error{Kind: KindRequest, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.AdvisoryResult{}, &Error{Kind: KindStatus, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(body, 200))}
	}

	text, err := extractText(body)
	if err != nil {
		return domain.AdvisoryResult{}, &Error{Kind: KindParse, Err: err}
	}

	result, aerr := parseResult(text)
	if aerr != nil {
		return domain.AdvisoryResult{}, aerr
	}

	c.logger.Info("recommendation received",
		slog.String("market", result.RecommendedMarket),
		slog.Int("confidence", result.Confidence),
		slog.String("risk", string(result.RiskLevel)))
	return result, nil
}

// Accept applies the acceptance policy to a recommendation: sufficient
// confidence, tolerable risk, and a market that was actually scanned.
func (c *Client) Accept(result domain.AdvisoryResult, candidates []domain.Candidate) bool {
	if result.Confidence < c.cfg.MinConfidence {
		return false
	}
	if result.RiskLevel == domain.RiskLevelHigh {
		return false
	}
	for _, cand := range candidates {
		if cand.Market == result.RecommendedMarket {
			return true
		}
	}
	return false
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// buildPrompt renders the candidate table and the strict reply contract.
func buildPrompt(candidates []domain.Candidate) string {
	var b strings.Builder
	b.WriteString("You are a cryptocurrency trading advisor. The following KRW markets show unusual volume activity:\n\n")
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. %s: price %s KRW, volume ratio %.2fx, price change %.2f%%\n",
			i+1, c.Market, c.CurrentPrice.String(), c.VolumeRatio, c.PriceChangePct)
	}
	b.WriteString("\nChoose the single most promising market for a short-term long entry.\n")
	b.WriteString("Respond with ONLY a JSON object, no prose, in exactly this shape:\n")
	b.WriteString(`{"recommended_market": "KRW-XXX", "confidence": 0-10, "risk_level": "LOW"|"MEDIUM"|"HIGH", "reason": "one sentence"}`)
	return b.String()
}

// extractText pulls the first reply text out of a generateContent response.
func extractText(body []byte) (string, error) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode response envelope: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("response carries no content")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

// parseResult strictly decodes the model's reply text. Markdown code fences
// around the JSON are tolerated; everything else about the schema is not.
func parseResult(text string) (domain.AdvisoryResult, *Error) {
	cleaned := stripFences(text)

	var raw struct {
		RecommendedMarket string `json:"recommended_market"`
		Confidence        *int   `json:"confidence"`
		RiskLevel         string `json:"risk_level"`
		Reason            string `json:"reason"`
	}
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return domain.AdvisoryResult{}, &Error{Kind: KindParse, Err: fmt.Errorf("decode reply: %w", err)}
	}

	if raw.RecommendedMarket == "" {
		return domain.AdvisoryResult{}, &Error{Kind: KindSchema, Err: fmt.Errorf("missing recommended_market")}
	}
	if raw.Confidence == nil || *raw.Confidence < 0 || *raw.Confidence > 10 {
		return domain.AdvisoryResult{}, &Error{Kind: KindSchema, Err: fmt.Errorf("confidence out of range")}
	}
	risk := domain.RiskLevel(strings.ToUpper(raw.RiskLevel))
	if !risk.Valid() {
		return domain.AdvisoryResult{}, &Error{Kind: KindSchema, Err: fmt.Errorf("unknown risk level %q", raw.RiskLevel)}
	}

	return domain.AdvisoryResult{
		RecommendedMarket: raw.RecommendedMarket,
		Confidence:        *raw.Confidence,
		RiskLevel:         risk,
		Reason:            raw.Reason,
	}, nil
}

// stripFences removes a surrounding ``` or ```json markdown fence.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
