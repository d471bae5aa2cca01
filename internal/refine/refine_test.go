package refine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"callscribe/internal/logger"
	"callscribe/internal/types"
)

func testTranscript() (types.RawTranscript, []types.SpeakerCluster) {
	raw := types.RawTranscript{Utterances: []types.Utterance{
		{Index: 0, Start: 0, End: 1, Text: "helo this is dana from acme"},
		{Index: 1, Start: 1, End: 2, Text: "hi i had a question"},
		{Index: 2, Start: 2, End: 3, Text: "shure go ahead"},
		{Index: 3, Start: 3, End: 4, Text: "about my invoice"},
	}}
	clusters := []types.SpeakerCluster{
		{Label: 0, Role: "Company", Utterances: []int{0, 2}},
		{Label: 1, Role: "Client", Utterances: []int{1, 3}},
	}
	return raw, clusters
}

type chatRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func isSummaryRequest(req chatRequest) bool {
	return len(req.Messages) > 0 && strings.Contains(req.Messages[0].Content, "Summarize the call")
}

func completion(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func correctionJSON(n int) string {
	var sb strings.Builder
	sb.WriteString(`{"utterances":[`)
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(",")
		}
		role := "Company"
		if i%2 == 1 {
			role = "Client"
		}
		fmt.Fprintf(&sb, `{"index":%d,"role":%q,"text":"corrected %d"}`, i, role, i)
	}
	sb.WriteString(`]}`)
	return sb.String()
}

// newTestRefiner runs a fake chat completions endpoint and returns a Refiner
// pointed at it.
func newTestRefiner(t *testing.T, handler http.HandlerFunc) *Refiner {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler(w, req)
	}))
	t.Cleanup(server.Close)
	return New("test-key", server.URL, "test-model", false, logger.New())
}

func TestRefineSuccess(t *testing.T) {
	var summaryCalls atomic.Int32
	r := newTestRefiner(t, func(w http.ResponseWriter, req *http.Request) {
		var cr chatRequest
		json.NewDecoder(req.Body).Decode(&cr)
		if isSummaryRequest(cr) {
			summaryCalls.Add(1)
			fmt.Fprint(w, completion("A short call about an invoice."))
			return
		}
		fmt.Fprint(w, completion(correctionJSON(4)))
	})

	raw, clusters := testTranscript()
	refined, summary, err := r.Refine(context.Background(), raw, clusters)
	if err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if len(refined.Utterances) != 4 {
		t.Fatalf("got %d refined utterances, want 4", len(refined.Utterances))
	}
	if refined.Utterances[0].Text != "corrected 0" {
		t.Errorf("utterance 0 text = %q, want corrected 0", refined.Utterances[0].Text)
	}
	if refined.Utterances[1].Role != "Client" {
		t.Errorf("utterance 1 role = %q, want Client", refined.Utterances[1].Role)
	}
	if summary != "A short call about an invoice." {
		t.Errorf("summary = %q", summary)
	}
	if n := summaryCalls.Load(); n != 1 {
		t.Errorf("summary generated %d times, want exactly 1", n)
	}
}

func TestRefineRepairsMalformedJSON(t *testing.T) {
	r := newTestRefiner(t, func(w http.ResponseWriter, req *http.Request) {
		var cr chatRequest
		json.NewDecoder(req.Body).Decode(&cr)
		if isSummaryRequest(cr) {
			fmt.Fprint(w, completion("summary"))
			return
		}
		// Trailing comma plus markdown fences, both common model output bugs.
		body := "```json\n" + strings.Replace(correctionJSON(4), `]}`, `,]}`, 1) + "\n```"
		fmt.Fprint(w, completion(body))
	})

	raw, clusters := testTranscript()
	refined, _, err := r.Refine(context.Background(), raw, clusters)
	if err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if len(refined.Utterances) != 4 {
		t.Errorf("got %d utterances, want 4", len(refined.Utterances))
	}
}

func TestRefineMismatchRetriesWithStrictPrompt(t *testing.T) {
	var corrections atomic.Int32
	r := newTestRefiner(t, func(w http.ResponseWriter, req *http.Request) {
		var cr chatRequest
		json.NewDecoder(req.Body).Decode(&cr)
		if isSummaryRequest(cr) {
			fmt.Fprint(w, completion("summary"))
			return
		}
		n := corrections.Add(1)
		if n == 1 {
			// One utterance short on the first try.
			fmt.Fprint(w, completion(correctionJSON(3)))
			return
		}
		if !strings.Contains(cr.Messages[0].Content, "STRICT MODE") {
			t.Error("second correction attempt should use the strict prompt")
		}
		fmt.Fprint(w, completion(correctionJSON(4)))
	})

	raw, clusters := testTranscript()
	refined, _, err := r.Refine(context.Background(), raw, clusters)
	if err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if len(refined.Utterances) != 4 {
		t.Errorf("got %d utterances, want 4", len(refined.Utterances))
	}
	if n := corrections.Load(); n != 2 {
		t.Errorf("correction attempts = %d, want 2", n)
	}
}

func TestRefinePersistentMismatchFails(t *testing.T) {
	var corrections atomic.Int32
	var summaries atomic.Int32
	r := newTestRefiner(t, func(w http.ResponseWriter, req *http.Request) {
		var cr chatRequest
		json.NewDecoder(req.Body).Decode(&cr)
		if isSummaryRequest(cr) {
			summaries.Add(1)
			fmt.Fprint(w, completion("summary"))
			return
		}
		corrections.Add(1)
		fmt.Fprint(w, completion(correctionJSON(3)))
	})

	raw, clusters := testTranscript()
	_, _, err := r.Refine(context.Background(), raw, clusters)
	if err == nil {
		t.Fatal("Refine() should fail on persistent utterance count mismatch")
	}
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("error type = %T, want *refine.Error", err)
	}
	if rerr.Reason != "schema mismatch" {
		t.Errorf("reason = %q, want schema mismatch", rerr.Reason)
	}
	if rerr.IsTransient() {
		t.Error("schema mismatch must be permanent")
	}
	if n := corrections.Load(); n != 2 {
		t.Errorf("correction attempts = %d, want exactly 2", n)
	}
	if n := summaries.Load(); n != 0 {
		t.Errorf("summary generated %d times after failed correction, want 0", n)
	}
}

func TestRefineDuplicateIndexIsSchemaMismatch(t *testing.T) {
	var corrections atomic.Int32
	r := newTestRefiner(t, func(w http.ResponseWriter, req *http.Request) {
		var cr chatRequest
		json.NewDecoder(req.Body).Decode(&cr)
		if isSummaryRequest(cr) {
			fmt.Fprint(w, completion("summary"))
			return
		}
		if corrections.Add(1) == 1 {
			// Right count, but index 0 appears twice and index 1 never.
			fmt.Fprint(w, completion(`{"utterances":[
				{"index":0,"role":"Company","text":"a"},
				{"index":0,"role":"Client","text":"b"},
				{"index":2,"role":"Company","text":"c"},
				{"index":3,"role":"Client","text":"d"}]}`))
			return
		}
		fmt.Fprint(w, completion(correctionJSON(4)))
	})

	raw, clusters := testTranscript()
	refined, _, err := r.Refine(context.Background(), raw, clusters)
	if err != nil {
		t.Fatalf("Refine() error = %v, want recovery via strict retry", err)
	}
	if n := corrections.Load(); n != 2 {
		t.Errorf("correction attempts = %d, want 2", n)
	}
	for i, u := range refined.Utterances {
		if u.Text == "" || u.Role == "" {
			t.Errorf("slot %d left empty: %+v", i, u)
		}
	}
}

func TestRefineOutOfRangeIndexIsSchemaMismatch(t *testing.T) {
	r := newTestRefiner(t, func(w http.ResponseWriter, req *http.Request) {
		var cr chatRequest
		json.NewDecoder(req.Body).Decode(&cr)
		if isSummaryRequest(cr) {
			fmt.Fprint(w, completion("summary"))
			return
		}
		fmt.Fprint(w, completion(`{"utterances":[
			{"index":0,"role":"Company","text":"a"},
			{"index":1,"role":"Client","text":"b"},
			{"index":2,"role":"Company","text":"c"},
			{"index":99,"role":"Client","text":"d"}]}`))
	})

	raw, clusters := testTranscript()
	_, _, err := r.Refine(context.Background(), raw, clusters)
	if err == nil {
		t.Fatal("Refine() should fail when the response indexes outside the input")
	}
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("error type = %T, want *refine.Error", err)
	}
	if rerr.Reason != "schema mismatch" {
		t.Errorf("reason = %q, want schema mismatch", rerr.Reason)
	}
	if rerr.IsTransient() {
		t.Error("index out of range must be permanent")
	}
}

func TestRefineRetriesTransientServerError(t *testing.T) {
	var calls atomic.Int32
	r := newTestRefiner(t, func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "upstream overloaded", http.StatusInternalServerError)
			return
		}
		var cr chatRequest
		json.NewDecoder(req.Body).Decode(&cr)
		if isSummaryRequest(cr) {
			fmt.Fprint(w, completion("summary"))
			return
		}
		fmt.Fprint(w, completion(correctionJSON(4)))
	})

	raw, clusters := testTranscript()
	if _, _, err := r.Refine(context.Background(), raw, clusters); err != nil {
		t.Fatalf("Refine() error = %v, want recovery after transient failure", err)
	}
}

func TestRefineAuthFailureIsPermanent(t *testing.T) {
	var calls atomic.Int32
	r := newTestRefiner(t, func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key","type":"invalid_request_error"}}`)
	})

	raw, clusters := testTranscript()
	_, _, err := r.Refine(context.Background(), raw, clusters)
	if err == nil {
		t.Fatal("Refine() should fail on auth error")
	}
	var rerr *Error
	if !errors.As(err, &rerr) {
		t.Fatalf("error type = %T, want *refine.Error", err)
	}
	if rerr.IsTransient() {
		t.Error("auth failure must be permanent")
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("llm called %d times on auth failure, want 1", n)
	}
}

func TestRefineMock(t *testing.T) {
	r := New("", "", "test-model", true, logger.New())
	raw, clusters := testTranscript()
	refined, summary, err := r.Refine(context.Background(), raw, clusters)
	if err != nil {
		t.Fatalf("Refine() error = %v", err)
	}
	if len(refined.Utterances) != len(raw.Utterances) {
		t.Errorf("mock refined %d utterances, want %d", len(refined.Utterances), len(raw.Utterances))
	}
	if summary == "" {
		t.Error("mock summary is empty")
	}
}
