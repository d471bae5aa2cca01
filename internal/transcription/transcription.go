package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"callscribe/internal/logger"
	"callscribe/internal/types"
)

// Error is a transcription stage failure. Transient failures (engine
// unreachable, 5xx) may be retried by the orchestrator; permanent ones
// (unsupported format, engine rejected the file) may not.
type Error struct {
	Reason    string
	Transient bool
}

func (e *Error) Error() string { return "transcription: " + e.Reason }

func (e *Error) IsTransient() bool { return e.Transient }

var supportedExts = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".flac": true,
}

// Supported reports whether the file extension is one the engine accepts.
func Supported(path string) bool {
	return supportedExts[strings.ToLower(filepath.Ext(path))]
}

// Client wraps the speech-to-text engine HTTP service. The engine is a black
// box: upload audio, poll until done, download time-stamped segments.
type Client struct {
	baseURL  string
	pollWait time.Duration
	http     *http.Client
	log      *logger.Logger
	mock     bool
}

func NewClient(baseURL string, pollSec int, mock bool, log *logger.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		pollWait: time.Duration(pollSec) * time.Second,
		http:     &http.Client{Timeout: 30 * time.Second},
		log:      log,
		mock:     mock,
	}
}

type publishResponse struct {
	MediaID string `json:"media_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type statusResponse struct {
	Status   string `json:"status"` // queued, processing, done, failed
	Reason   string `json:"reason,omitempty"`
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments,omitempty"`
}

// Transcribe converts one audio file into an ordered, non-overlapping
// RawTranscript. Empty audio yields an empty transcript rather than an error.
func (c *Client) Transcribe(ctx context.Context, audioPath string) (types.RawTranscript, error) {
	if !Supported(audioPath) {
		return types.RawTranscript{}, &Error{Reason: fmt.Sprintf("unsupported format %q", filepath.Ext(audioPath))}
	}
	info, err := os.Stat(audioPath)
	if err != nil {
		return types.RawTranscript{}, &Error{Reason: fmt.Sprintf("stat audio: %v", err)}
	}
	if info.Size() == 0 {
		return types.RawTranscript{}, nil
	}

	if c.mock {
		return mockTranscript(), nil
	}

	log := c.log.WithUnit(filepath.Base(audioPath)).WithField("module", "transcription")

	mediaID, err := c.publish(ctx, audioPath)
	if err != nil {
		return types.RawTranscript{}, err
	}
	log.WithField("media_id", mediaID).Info("audio published, polling engine")

	raw, err := c.poll(ctx, mediaID)
	if err != nil {
		return types.RawTranscript{}, err
	}
	log.WithField("segments", len(raw.Utterances)).Info("transcription completed")
	return raw, nil
}

func (c *Client) publish(ctx context.Context, audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", &Error{Reason: fmt.Sprintf("open audio: %v", err)}
	}
	defer f.Close()

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	part, err := w.CreateFormFile("audio", filepath.Base(audioPath))
	if err != nil {
		return "", &Error{Reason: fmt.Sprintf("build upload: %v", err)}
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", &Error{Reason: fmt.Sprintf("read audio: %v", err)}
	}
	_ = w.Close()

	var resp publishResponse
	if err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/transcribe", w.FormDataContentType(), b.Bytes(), &resp); err != nil {
		return "", err
	}
	if resp.Status == "failed" {
		return "", &Error{Reason: "engine rejected audio: " + resp.Reason}
	}
	if resp.MediaID == "" {
		return "", &Error{Reason: "engine returned no media id", Transient: true}
	}
	return resp.MediaID, nil
}

func (c *Client) poll(ctx context.Context, mediaID string) (types.RawTranscript, error) {
	u, _ := url.Parse(c.baseURL + "/status")
	q := u.Query()
	q.Set("media_id", mediaID)
	u.RawQuery = q.Encode()

	for i := 0; i < 120; i++ {
		select {
		case <-ctx.Done():
			return types.RawTranscript{}, &Error{Reason: "canceled while polling", Transient: true}
		case <-time.After(c.pollWait):
		}

		var s statusResponse
		if err := c.doJSON(ctx, http.MethodGet, u.String(), "", nil, &s); err != nil {
			continue
		}
		switch s.Status {
		case "done":
			return normalize(s), nil
		case "queued", "processing":
			continue
		case "failed":
			return types.RawTranscript{}, &Error{Reason: "engine failed: " + s.Reason}
		}
	}
	return types.RawTranscript{}, &Error{Reason: "engine did not complete in time", Transient: true}
}

// normalize sorts segments by start time and clamps overlaps so the output is
// strictly ordered and non-overlapping.
func normalize(s statusResponse) types.RawTranscript {
	segs := s.Segments
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
	out := types.RawTranscript{}
	for _, seg := range segs {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		u := types.Utterance{Index: len(out.Utterances), Start: seg.Start, End: seg.End, Text: text}
		if n := len(out.Utterances); n > 0 {
			prev := &out.Utterances[n-1]
			if u.Start < prev.End {
				prev.End = u.Start
			}
		}
		if u.End < u.Start {
			u.End = u.Start
		}
		out.Utterances = append(out.Utterances, u)
	}
	return out
}

// doJSON builds a fresh request per attempt so retried POST bodies are intact.
func (c *Client) doJSON(ctx context.Context, method, rawURL, contentType string, payload []byte, target any) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 15 * time.Second
	var lastErr *Error
	op := func() error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
		if err != nil {
			lastErr = &Error{Reason: err.Error()}
			return backoff.Permanent(lastErr)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = &Error{Reason: err.Error(), Transient: true}
			return err
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			lastErr = &Error{Reason: fmt.Sprintf("engine server error: %s", respBody), Transient: true}
			return lastErr
		}
		if resp.StatusCode >= 400 {
			lastErr = &Error{Reason: fmt.Sprintf("engine rejected request: %s", respBody)}
			return backoff.Permanent(lastErr)
		}
		if err := json.Unmarshal(respBody, target); err != nil {
			lastErr = &Error{Reason: fmt.Sprintf("decode engine response: %v", err), Transient: true}
			return lastErr
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr != nil {
			return lastErr
		}
		return &Error{Reason: err.Error(), Transient: true}
	}
	return nil
}

func mockTranscript() types.RawTranscript {
	return types.RawTranscript{Utterances: []types.Utterance{
		{Index: 0, Start: 0.0, End: 3.1, Text: "Hi, this is Dana calling from Acme about your account."},
		{Index: 1, Start: 3.4, End: 6.0, Text: "Oh hi, yes, I had a question about my last invoice."},
		{Index: 2, Start: 6.2, End: 9.8, Text: "Sure, I can pull that up for you right now."},
		{Index: 3, Start: 10.1, End: 13.0, Text: "Thanks, the amount looked higher than usual."},
	}}
}
