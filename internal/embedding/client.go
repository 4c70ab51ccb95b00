package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/MikeSquared-Agency/mirror/internal/retry"
)

const defaultBaseURL = "https://api.openai.com/v1"

// ErrEmbeddingUnavailable covers every way the embedding service can fail a
// request: transport, auth, rate limiting, or a malformed response.
var ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

// Embedder turns text into vectors. Implementations return L2-normalized
// vectors of Dimensions() length.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
}

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	// RPS caps outgoing requests per second. Zero means unlimited.
	RPS   float64
	Retry retry.Policy
}

// Client talks to an OpenAI-compatible /embeddings endpoint.
type Client struct {
	cfg     Config
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPS > 0 {
		burst := int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}

	return &Client{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		logger:  logger,
	}
}

// SetBaseURL points the client at a different server, such as an httptest
// server.
func (c *Client) SetBaseURL(url string) {
	c.baseURL = strings.TrimRight(url, "/")
}

func (c *Client) Dimensions() int   { return c.cfg.Dimensions }
func (c *Client) ModelName() string { return c.cfg.Model }

type request struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type response struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in order. Either every vector is returned or none.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		p := c.cfg.Retry.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("embedding request failed, retrying", "error", err, "wait", wait, "batch", len(batch))
		})
		vecs, err := retry.Do(ctx, p, func() ([][]float32, error) {
			return c.embedOnce(ctx, batch)
		})
		if err != nil {
			if errors.Is(err, ErrEmbeddingUnavailable) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: rate limiter: %w", ErrEmbeddingUnavailable, err))
	}

	body, err := json.Marshal(request{Model: c.cfg.Model, Input: texts, Dimensions: c.cfg.Dimensions})
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: api call: %w", ErrEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrEmbeddingUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Type + ": " + errResp.Error.Message
		}
		err := fmt.Errorf("%w: api error %d: %s", ErrEmbeddingUnavailable, resp.StatusCode, msg)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, retry.Permanent(err)
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: unmarshal response: %w", ErrEmbeddingUnavailable, err))
	}
	if len(apiResp.Data) != len(texts) {
		return nil, retry.Permanent(fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmbeddingUnavailable, len(apiResp.Data), len(texts)))
	}

	sort.Slice(apiResp.Data, func(i, j int) bool { return apiResp.Data[i].Index < apiResp.Data[j].Index })
	vecs := make([][]float32, len(texts))
	for i, d := range apiResp.Data {
		if c.cfg.Dimensions > 0 && len(d.Embedding) != c.cfg.Dimensions {
			return nil, retry.Permanent(fmt.Errorf("%w: embedding %d has %d dimensions, expected %d",
				ErrEmbeddingUnavailable, i, len(d.Embedding), c.cfg.Dimensions))
		}
		vecs[i] = Normalize(d.Embedding)
	}
	return vecs, nil
}
