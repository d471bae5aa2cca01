package types

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
	"time"
)

// Status tracks an AudioUnit through the pipeline. Transitions are monotonic
// within one attempt; Done and Quarantined are terminal.
type Status string

const (
	StatusPending      Status = "pending"
	StatusTranscribing Status = "transcribing"
	StatusDiarizing    Status = "diarizing"
	StatusRefining     Status = "refining"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
	StatusQuarantined  Status = "quarantined"
)

// Terminal reports whether no further automatic processing happens in this state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusQuarantined
}

// AudioUnit is one source recording tracked through the pipeline. Identity is
// the content hash: re-delivery of identical bytes maps to the same unit.
type AudioUnit struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	ArrivedAt   time.Time `json:"arrived_at"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Utterance is one time-bounded segment of transcribed speech. Start and End
// are offsets in seconds from the beginning of the recording; the span doubles
// as the embedding source reference.
type Utterance struct {
	Index int     `json:"index"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// RawTranscript is the ordered, unlabeled output of the transcription engine.
// Immutable once produced.
type RawTranscript struct {
	Utterances []Utterance `json:"utterances"`
}

// SpeakerCluster groups utterances attributed to one voice identity.
// Utterances holds indices into the owning RawTranscript; clusters partition
// the transcript (every index appears in exactly one cluster).
type SpeakerCluster struct {
	Label      int    `json:"label"`
	Role       string `json:"role"`
	Utterances []int  `json:"utterances"`
}

// RefinedUtterance is one corrected segment with its resolved role name.
type RefinedUtterance struct {
	Index int    `json:"index"`
	Role  string `json:"role"`
	Text  string `json:"text"`
}

// RefinedTranscript is the LLM-corrected transcript, one-to-one with the raw
// transcript. It supersedes the raw transcript for display but never replaces it.
type RefinedTranscript struct {
	Utterances []RefinedUtterance `json:"utterances"`
}

// Summary is the short call summary derived from a RefinedTranscript.
type Summary string

// HashBytes returns the hex sha256 of audio content, the identity key for
// deduplication.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// UnitID derives a stable unit identifier from the source filename and content
// hash. The basename keeps artifacts recognizable; the hash prefix keeps IDs
// unique across re-uploads under different names.
func UnitID(path, contentHash string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, base)
	if base == "" {
		base = "call"
	}
	if len(contentHash) > 12 {
		contentHash = contentHash[:12]
	}
	return base + "-" + contentHash
}
