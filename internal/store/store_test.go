package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"callscribe/internal/types"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, root
}

func TestWriteTranscriptAndReadBack(t *testing.T) {
	s, _ := newTestStore(t)

	rt := types.RefinedTranscript{Utterances: []types.RefinedUtterance{
		{Index: 0, Role: "Company", Text: "Hello, thanks for calling."},
		{Index: 1, Role: "Client", Text: "Hi, I have a question."},
	}}
	if err := s.WriteTranscript("call-a", rt); err != nil {
		t.Fatalf("WriteTranscript() error = %v", err)
	}

	got, err := s.Transcript("call-a")
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	want := "Company: Hello, thanks for calling.\n\nClient: Hi, I have a question.\n\n"
	if got != want {
		t.Errorf("transcript = %q, want %q", got, want)
	}
}

func TestWriteSummary(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.WriteSummary("call-a", "A short call."); err != nil {
		t.Fatalf("WriteSummary() error = %v", err)
	}
	got, err := s.Summary("call-a")
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if got != "A short call." {
		t.Errorf("summary = %q", got)
	}
}

func TestRawTranscriptRetainedAlongsideRefined(t *testing.T) {
	s, root := newTestStore(t)

	raw := types.RawTranscript{Utterances: []types.Utterance{
		{Index: 0, Start: 0, End: 1, Text: "helo thanks for caling"},
		{Index: 1, Start: 1, End: 2, Text: "hi i hav a question"},
	}}
	clusters := []types.SpeakerCluster{
		{Label: 0, Role: "Company", Utterances: []int{0}},
		{Label: 1, Role: "Client", Utterances: []int{1}},
	}
	if err := s.WriteRawTranscript("call-a", raw, clusters); err != nil {
		t.Fatalf("WriteRawTranscript() error = %v", err)
	}
	rt := types.RefinedTranscript{Utterances: []types.RefinedUtterance{
		{Index: 0, Role: "Company", Text: "Hello, thanks for calling."},
		{Index: 1, Role: "Client", Text: "Hi, I have a question."},
	}}
	if err := s.WriteTranscript("call-a", rt); err != nil {
		t.Fatalf("WriteTranscript() error = %v", err)
	}

	rawBytes, err := os.ReadFile(filepath.Join(root, "transcripts", "raw-call-a.md"))
	if err != nil {
		t.Fatalf("raw transcript missing: %v", err)
	}
	if !strings.Contains(string(rawBytes), "helo thanks for caling") {
		t.Errorf("raw transcript content = %q, want original text retained", rawBytes)
	}
	refined, err := s.Transcript("call-a")
	if err != nil {
		t.Fatalf("Transcript() error = %v", err)
	}
	if !strings.Contains(refined, "Hello, thanks for calling.") {
		t.Errorf("refined transcript = %q", refined)
	}
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	s, root := newTestStore(t)

	if err := s.WriteSummary("call-a", "summary"); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteTranscript("call-a", types.RefinedTranscript{}); err != nil {
		t.Fatal(err)
	}

	for _, dir := range []string{"transcripts", "summaries"} {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if strings.Contains(e.Name(), ".tmp-") {
				t.Errorf("temp file left behind in %s: %s", dir, e.Name())
			}
		}
	}
}

func TestWriteReplacesExisting(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.WriteSummary("call-a", "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteSummary("call-a", "second"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Summary("call-a")
	if err != nil {
		t.Fatal(err)
	}
	if got != "second" {
		t.Errorf("summary = %q, want second", got)
	}
}

func TestDiscard(t *testing.T) {
	s, root := newTestStore(t)

	if err := s.WriteRawTranscript("call-a", types.RawTranscript{}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteTranscript("call-a", types.RefinedTranscript{}); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteSummary("call-a", "summary"); err != nil {
		t.Fatal(err)
	}

	if err := s.Discard("call-a"); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	for _, p := range []string{
		filepath.Join(root, "transcripts", "call-a.md"),
		filepath.Join(root, "transcripts", "raw-call-a.md"),
		filepath.Join(root, "summaries", "call-a.md"),
	} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists after Discard", p)
		}
	}

	// Discarding a unit that has no artifacts is not an error.
	if err := s.Discard("call-b"); err != nil {
		t.Errorf("Discard() on absent unit error = %v", err)
	}
}

func TestMissingArtifactErrors(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Transcript("absent"); !os.IsNotExist(err) {
		t.Errorf("Transcript() error = %v, want not-exist", err)
	}
	if _, err := s.Summary("absent"); !os.IsNotExist(err) {
		t.Errorf("Summary() error = %v, want not-exist", err)
	}
}
