// Package embed wraps the voice embedding service: one audio span in, one
// fixed-length vector out.
package embed

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"callscribe/internal/logger"
)

// Embedder computes a fixed-length voice embedding for one utterance span.
type Embedder interface {
	EmbedSpan(ctx context.Context, audioPath string, startSec, endSec float64) ([]float64, error)
	Dimension() int
}

// Client is the HTTP Embedder implementation.
type Client struct {
	baseURL string
	dim     int
	http    *http.Client
	log     *logger.Logger
	mock    bool
}

func NewClient(baseURL string, dim int, mock bool, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		dim:     dim,
		http:    &http.Client{Timeout: 20 * time.Second},
		log:     log,
		mock:    mock,
	}
}

func (c *Client) Dimension() int { return c.dim }

type embedRequest struct {
	Path  string  `json:"path"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type embedResponse struct {
	Vector []float64 `json:"vector"`
}

// EmbedSpan requests the embedding for one utterance's audio span. Zero-length
// spans embed as the zero vector, matching the engine's behavior for silence.
func (c *Client) EmbedSpan(ctx context.Context, audioPath string, startSec, endSec float64) ([]float64, error) {
	if endSec <= startSec {
		return make([]float64, c.dim), nil
	}
	if c.mock {
		return c.mockVector(audioPath, startSec, endSec), nil
	}

	payload, _ := json.Marshal(embedRequest{Path: audioPath, Start: startSec, End: endSec})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	var out embedResponse
	var lastErr error
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(payload))
		if err != nil {
			lastErr = err
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("embedding server error: %s", body)
			return lastErr
		}
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("embedding request rejected: %s", body)
			return backoff.Permanent(lastErr)
		}
		if err := json.Unmarshal(body, &out); err != nil {
			lastErr = fmt.Errorf("decode embedding response: %v", err)
			return lastErr
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, err
	}
	if len(out.Vector) != c.dim {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(out.Vector), c.dim)
	}
	return out.Vector, nil
}

// mockVector is a deterministic stand-in for offline runs: the same span of
// the same file always embeds to the same vector.
func (c *Client) mockVector(audioPath string, startSec, endSec float64) []float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(audioPath))
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], math.Float64bits(startSec))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(endSec))
	_, _ = h.Write(buf[:])
	seed := h.Sum64()

	vec := make([]float64, c.dim)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float64(int64(seed>>11))/float64(1<<52) - 1
	}
	return vec
}
