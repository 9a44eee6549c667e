// Package oracle asks an LLM endpoint for debugging advice about stuck
// workers. The contract is strictly advisory: responses are parsed hard,
// validated by the caller, and any unusable answer degrades to a plain
// restart recommendation.
package oracle

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AmenZhou/shelfsync/internal/logger"
	"github.com/AmenZhou/shelfsync/pkg/fixlog"
	"github.com/AmenZhou/shelfsync/pkg/patch"
)

// DefaultCacheTTL bounds how long a recommendation is reused for the same
// worker and error signature.
const DefaultCacheTTL = 15 * time.Minute

// Diagnostics is everything the supervisor knows about a stuck worker.
type Diagnostics struct {
	WorkerID     int
	LogTail      []string
	ErrorPattern string
	ShardKeyLow  int64
	ShardKeyHigh int64
	DiskUtilPct  float64
	Recurrences  int

	// CodeSnippets maps a function name to its source, included when the
	// error pattern suggests that code is involved.
	CodeSnippets map[string]string
}

// Signature hashes the diagnostic error content, ignoring volatile fields,
// so repeated lookups for the same failure hit the cache.
func (d Diagnostics) Signature() string {
	h := sha1.New()
	fmt.Fprintf(h, "%d|%s", d.WorkerID, d.ErrorPattern)
	for _, line := range lastN(d.LogTail, 20) {
		io.WriteString(h, line)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Recommendation is the oracle's parsed answer.
type Recommendation struct {
	RootCause   string            `json:"root_cause"`
	FixType     fixlog.FixType    `json:"fix_type"`
	Confidence  float64           `json:"confidence"`
	Description string            `json:"description"`
	Params      map[string]string `json:"params,omitempty"`
	Patch       *patch.Patch      `json:"patch,omitempty"`
}

// fallback is the recommendation used whenever the oracle cannot help.
func fallback(reason string) *Recommendation {
	return &Recommendation{
		RootCause:   reason,
		FixType:     fixlog.FixRestart,
		Confidence:  0.5,
		Description: "default recommendation: restart the worker",
	}
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cacheEntry
}

type cacheEntry struct {
	rec *Recommendation
	at  time.Time
}

// New creates an oracle client.
func New(baseURL, apiKey, model string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		cacheTTL: DefaultCacheTTL,
		cache:    make(map[string]cacheEntry),
	}
}

// SetCacheTTL overrides the recommendation cache lifetime.
func (c *Client) SetCacheTTL(ttl time.Duration) {
	c.cacheTTL = ttl
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Analyze asks for a recommendation, consulting the cache first. Errors are
// never surfaced: every failure path returns the restart fallback, because
// the supervisor must keep operating when the oracle is down.
func (c *Client) Analyze(ctx context.Context, d Diagnostics) *Recommendation {
	key := d.Signature()
	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Since(e.at) < c.cacheTTL {
		c.mu.Unlock()
		logger.DebugCtx(ctx, "oracle cache hit", logger.WorkerID(d.WorkerID))
		return e.rec
	}
	c.mu.Unlock()

	rec := c.analyzeRemote(ctx, d)

	c.mu.Lock()
	c.cache[key] = cacheEntry{rec: rec, at: time.Now()}
	c.mu.Unlock()
	return rec
}

func (c *Client) analyzeRemote(ctx context.Context, d Diagnostics) *Recommendation {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(d)},
		},
	})
	if err != nil {
		return fallback("prompt marshal failed")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fallback("request build failed")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.WarnCtx(ctx, "oracle unreachable", logger.Err(err))
		return fallback("oracle unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode >= 400 {
		logger.WarnCtx(ctx, "oracle request failed", "status", resp.StatusCode)
		return fallback("oracle request failed")
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil || len(chat.Choices) == 0 {
		return fallback("unparseable oracle envelope")
	}

	rec, err := ParseRecommendation(chat.Choices[0].Message.Content)
	if err != nil {
		logger.WarnCtx(ctx, "oracle answer did not parse", logger.Err(err))
		return fallback("unparseable oracle answer")
	}
	return rec
}

// ParseRecommendation strictly parses the model's answer. The JSON object
// may be wrapped in a markdown fence; anything else is an error.
func ParseRecommendation(content string) (*Recommendation, error) {
	text := strings.TrimSpace(content)
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
	}
	text = strings.TrimSpace(text)

	var rec Recommendation
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode recommendation: %w", err)
	}

	switch rec.FixType {
	case fixlog.FixRestart, fixlog.FixConfig, fixlog.FixCode:
	default:
		return nil, fmt.Errorf("unknown fix_type %q", rec.FixType)
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", rec.Confidence)
	}
	if rec.FixType == fixlog.FixCode && rec.Patch == nil {
		return nil, fmt.Errorf("code fix without a patch")
	}
	if rec.RootCause == "" {
		return nil, fmt.Errorf("missing root_cause")
	}
	return &rec, nil
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
