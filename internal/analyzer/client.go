// Package analyzer talks to the external age/gender estimation service.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ageprobe/ageprobe/internal/config"
	"github.com/ageprobe/ageprobe/internal/domain"
	"github.com/ageprobe/ageprobe/internal/repository"
)

var _ repository.Analyzer = (*Client)(nil)

const (
	analyzePath = "/analyze"
	fileField   = "file"

	defaultMaxResponseBytes = 1 << 20
)

// Client posts images to the analyzer as a multipart file field. Every call
// runs under its own deadline and is never retried here.
type Client struct {
	baseURL  string
	timeout  time.Duration
	maxBytes int64
	client   *http.Client
}

// NewClient builds a client whose calls are bounded by timeout. Pass
// cfg.Timeout for pipeline work and cfg.BatchTimeout for manual runs.
func NewClient(cfg config.AnalyzerConfig, timeout time.Duration) *Client {
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxResponseBytes
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		timeout:  timeout,
		maxBytes: maxBytes,
		client:   &http.Client{},
	}
}

// Timeout returns the per-call deadline.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

func (c *Client) Analyze(ctx context.Context, filename string, data []byte) (*domain.Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, contentType, err := encodeMultipart(filename, data)
	if err != nil {
		return nil, fmt.Errorf("analyzer: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+analyzePath, body)
	if err != nil {
		return nil, fmt.Errorf("analyzer: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	// Read one byte past the limit so oversized bodies are detectable.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, classifyError(err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", domain.ErrAnalyzerUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: status %d: %s", domain.ErrInvalidAnalyzerResponse, resp.StatusCode, snippet(raw))
	}
	if int64(len(raw)) > c.maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", domain.ErrInvalidAnalyzerResponse, c.maxBytes)
	}

	analysis, err := ParseAnalysis(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidAnalyzerResponse, err)
	}
	return analysis, nil
}

func encodeMultipart(filename string, data []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(fileField, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// classifyError maps transport-level failures to ErrAnalyzerUnavailable.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: timed out: %v", domain.ErrAnalyzerUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timed out: %v", domain.ErrAnalyzerUnavailable, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrAnalyzerUnavailable, err)
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

type wirePayload struct {
	Age            json.RawMessage `json:"age"`
	Gender         json.RawMessage `json:"gender"`
	DominantGender string          `json:"dominant_gender"`
	Confidence     *float64        `json:"confidence"`
}

// ParseAnalysis validates an analyzer response body. It accepts a JSON object
// or a non-empty JSON array whose first element is that object.
func ParseAnalysis(raw []byte) (*domain.Analysis, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty body")
	}

	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		if len(list) == 0 {
			return nil, errors.New("empty result list")
		}
		raw = bytes.TrimSpace(list[0])
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errors.New("result is not an object")
	}

	var p wirePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}

	if isNull(p.Age) {
		return nil, errors.New("missing required field \"age\"")
	}
	var age float64
	if err := json.Unmarshal(p.Age, &age); err != nil {
		return nil, fmt.Errorf("field \"age\" is not a number: %s", p.Age)
	}
	if age < domain.MinAge || age > domain.MaxAge {
		return nil, fmt.Errorf("field \"age\" out of range [%d,%d]: %g", domain.MinAge, domain.MaxAge, age)
	}

	analysis := &domain.Analysis{Age: age}

	gender, score, err := parseGender(p.Gender)
	if err != nil {
		return nil, err
	}
	analysis.Gender = gender
	if p.DominantGender != "" {
		analysis.Gender = p.DominantGender
	}

	switch {
	case p.Confidence != nil:
		analysis.Confidence = p.Confidence
	case score != nil:
		c := *score / 100
		analysis.Confidence = &c
	}
	if c := analysis.Confidence; c != nil && (*c < 0 || *c > 1) {
		return nil, fmt.Errorf("field \"confidence\" out of range [0,1]: %g", *c)
	}
	return analysis, nil
}

// parseGender accepts either a label or a map of label to percentage score,
// returning the dominant label and its score for the map form.
func parseGender(raw json.RawMessage) (string, *float64, error) {
	if isNull(raw) {
		return "", nil, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", nil, fmt.Errorf("decode gender: %w", err)
		}
		return s, nil, nil
	case '{':
		var scores map[string]float64
		if err := json.Unmarshal(raw, &scores); err != nil {
			return "", nil, fmt.Errorf("field \"gender\" scores are not numeric: %w", err)
		}
		if len(scores) == 0 {
			return "", nil, nil
		}
		labels := make([]string, 0, len(scores))
		for l := range scores {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		best := labels[0]
		for _, l := range labels[1:] {
			if scores[l] > scores[best] {
				best = l
			}
		}
		s := scores[best]
		return best, &s, nil
	}
	return "", nil, fmt.Errorf("field \"gender\" has unexpected shape: %s", snippet(raw))
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
