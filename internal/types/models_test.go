package types

import (
	"strings"
	"testing"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusTranscribing, false},
		{StatusDiarizing, false},
		{StatusRefining, false},
		{StatusFailed, false},
		{StatusDone, true},
		{StatusQuarantined, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestHashBytes(t *testing.T) {
	a := HashBytes([]byte("audio"))
	b := HashBytes([]byte("audio"))
	c := HashBytes([]byte("other"))
	if a != b {
		t.Error("identical content hashes differ")
	}
	if a == c {
		t.Error("distinct content hashes collide")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestUnitID(t *testing.T) {
	hash := HashBytes([]byte("audio"))
	tests := []struct {
		name string
		path string
		want string
	}{
		{name: "plain name", path: "/in/call.wav", want: "call-" + hash[:12]},
		{name: "spaces sanitized", path: "/in/two thirty call.wav", want: "two-thirty-call-" + hash[:12]},
		{name: "empty base falls back", path: "/in/.wav", want: "call-" + hash[:12]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnitID(tt.path, hash); got != tt.want {
				t.Errorf("UnitID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUnitIDStableAcrossNames(t *testing.T) {
	hash := HashBytes([]byte("audio"))
	a := UnitID("/in/call.wav", hash)
	b := UnitID("/elsewhere/call.wav", hash)
	if a != b {
		t.Errorf("same basename and hash produced different IDs: %q vs %q", a, b)
	}
	if strings.ContainsAny(a, "/\\ ") {
		t.Errorf("ID %q contains unsafe characters", a)
	}
}
