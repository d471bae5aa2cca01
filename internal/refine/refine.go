// Package refine sends the diarized transcript through the language model to
// correct transcription mistakes, confirm speaker roles and produce a summary.
package refine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"callscribe/internal/logger"
	"callscribe/internal/types"
)

// Error is a refinement stage failure. Schema mismatches and auth failures are
// permanent; rate limits and service errors are transient.
type Error struct {
	Reason    string
	Transient bool
}

func (e *Error) Error() string { return "refinement: " + e.Reason }

func (e *Error) IsTransient() bool { return e.Transient }

type Refiner struct {
	client openai.Client
	model  string
	log    *logger.Logger
	mock   bool
}

func New(apiKey, baseURL, model string, mock bool, log *logger.Logger) *Refiner {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Refiner{
		client: openai.NewClient(opts...),
		model:  model,
		log:    log,
		mock:   mock,
	}
}

// Refine corrects the transcript text, resolves speaker roles and generates a
// summary. The model response must map one-to-one onto the input utterances; a
// mismatch gets exactly one retry with a stricter prompt before failing
// permanently. The summary is generated from the corrected transcript, once
// per successful refinement.
func (r *Refiner) Refine(ctx context.Context, raw types.RawTranscript, clusters []types.SpeakerCluster) (types.RefinedTranscript, types.Summary, error) {
	roles := rolesByUtterance(raw, clusters)

	if r.mock {
		return mockRefined(raw, roles), "Mock summary: a short call between Company and Client about an invoice.", nil
	}

	log := r.log.WithField("module", "refine")
	input := renderTranscript(raw, roles)

	refined, err := r.correct(ctx, raw, roles, correctionPrompt(len(raw.Utterances)), input)
	if err != nil {
		var mismatch *Error
		if errors.As(err, &mismatch) && mismatch.Reason == schemaMismatchReason && !mismatch.Transient {
			log.Warn("utterance count mismatch, retrying with strict prompt")
			refined, err = r.correct(ctx, raw, roles, strictCorrectionPrompt(len(raw.Utterances)), input)
		}
		if err != nil {
			return types.RefinedTranscript{}, "", err
		}
	}

	summary, err := r.summarize(ctx, refined)
	if err != nil {
		return types.RefinedTranscript{}, "", err
	}
	log.WithField("utterances", len(refined.Utterances)).Info("refinement completed")
	return refined, summary, nil
}

const schemaMismatchReason = "schema mismatch"

func (r *Refiner) correct(ctx context.Context, raw types.RawTranscript, roles []string, system, input string) (types.RefinedTranscript, error) {
	content, err := r.chat(ctx, system, input)
	if err != nil {
		return types.RefinedTranscript{}, err
	}
	parsed, err := parseCorrection(content)
	if err != nil {
		return types.RefinedTranscript{}, &Error{Reason: schemaMismatchReason}
	}
	if len(parsed.Utterances) != len(raw.Utterances) {
		return types.RefinedTranscript{}, &Error{Reason: schemaMismatchReason}
	}

	// The count check above plus index range and uniqueness here guarantee the
	// response covers every input slot exactly once.
	out := types.RefinedTranscript{Utterances: make([]types.RefinedUtterance, len(raw.Utterances))}
	seen := make([]bool, len(raw.Utterances))
	for _, u := range parsed.Utterances {
		idx := u.Index
		if idx < 0 || idx >= len(raw.Utterances) || seen[idx] {
			return types.RefinedTranscript{}, &Error{Reason: schemaMismatchReason}
		}
		seen[idx] = true
		role := u.Role
		if role == "" {
			role = roles[idx]
		}
		text := u.Text
		if text == "" {
			text = raw.Utterances[idx].Text
		}
		out.Utterances[idx] = types.RefinedUtterance{Index: idx, Role: role, Text: text}
	}
	return out, nil
}

func (r *Refiner) summarize(ctx context.Context, refined types.RefinedTranscript) (types.Summary, error) {
	content, err := r.chat(ctx, summaryPrompt, renderRefined(refined))
	if err != nil {
		return "", err
	}
	if content == "" {
		return "", &Error{Reason: "empty summary response", Transient: true}
	}
	return types.Summary(content), nil
}

// chat performs one completion with backoff. Rate limits, timeouts and 5xx
// responses are retried; auth and request errors fail immediately.
func (r *Refiner) chat(ctx context.Context, system, user string) (string, error) {
	var out string
	var lastErr *Error
	op := func() error {
		resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
			Model: openai.ChatModel(r.model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(system),
				openai.UserMessage(user),
			},
		})
		if err != nil {
			var apiErr *openai.Error
			if errors.As(err, &apiErr) {
				switch {
				case apiErr.StatusCode == http.StatusTooManyRequests,
					apiErr.StatusCode == http.StatusRequestTimeout,
					apiErr.StatusCode >= 500:
					lastErr = &Error{Reason: fmt.Sprintf("llm unavailable: %v", err), Transient: true}
					return lastErr
				default:
					lastErr = &Error{Reason: fmt.Sprintf("llm rejected request: %v", err)}
					return backoff.Permanent(lastErr)
				}
			}
			lastErr = &Error{Reason: fmt.Sprintf("llm call failed: %v", err), Transient: true}
			return lastErr
		}
		if len(resp.Choices) == 0 {
			lastErr = &Error{Reason: "llm returned no choices", Transient: true}
			return lastErr
		}
		out = resp.Choices[0].Message.Content
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 45 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastErr != nil {
			return "", lastErr
		}
		return "", &Error{Reason: err.Error(), Transient: true}
	}
	return out, nil
}

func rolesByUtterance(raw types.RawTranscript, clusters []types.SpeakerCluster) []string {
	roles := make([]string, len(raw.Utterances))
	for _, c := range clusters {
		for _, idx := range c.Utterances {
			if idx >= 0 && idx < len(roles) {
				roles[idx] = c.Role
			}
		}
	}
	return roles
}

func mockRefined(raw types.RawTranscript, roles []string) types.RefinedTranscript {
	out := types.RefinedTranscript{Utterances: make([]types.RefinedUtterance, len(raw.Utterances))}
	for i, u := range raw.Utterances {
		out.Utterances[i] = types.RefinedUtterance{Index: i, Role: roles[i], Text: u.Text}
	}
	return out
}
