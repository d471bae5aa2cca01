// Package store is the result directory contract the web UI reads: one
// transcript file and one summary file per AudioUnit, written atomically so a
// reader never observes a partial artifact.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"callscribe/internal/types"
)

const (
	transcriptsDir = "transcripts"
	summariesDir   = "summaries"
)

type Store struct {
	root string
}

// New creates the output roots under the given directory.
func New(root string) (*Store, error) {
	for _, dir := range []string{transcriptsDir, summariesDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	return &Store{root: root}, nil
}

// WriteRawTranscript retains the diarized pre-refinement transcript for
// auditability, alongside (never replaced by) the refined one.
func (s *Store) WriteRawTranscript(id string, raw types.RawTranscript, clusters []types.SpeakerCluster) error {
	roles := make(map[int]string)
	for _, c := range clusters {
		for _, idx := range c.Utterances {
			roles[idx] = c.Role
		}
	}
	var b strings.Builder
	for _, u := range raw.Utterances {
		role := roles[u.Index]
		if role == "" {
			role = "Speaker"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", role, u.Text)
	}
	return s.writeAtomic(filepath.Join(s.root, transcriptsDir, "raw-"+id+".md"), []byte(b.String()))
}

func (s *Store) WriteTranscript(id string, rt types.RefinedTranscript) error {
	var b strings.Builder
	for _, u := range rt.Utterances {
		fmt.Fprintf(&b, "%s: %s\n\n", u.Role, u.Text)
	}
	return s.writeAtomic(filepath.Join(s.root, transcriptsDir, id+".md"), []byte(b.String()))
}

func (s *Store) WriteSummary(id string, summary types.Summary) error {
	return s.writeAtomic(filepath.Join(s.root, summariesDir, id+".md"), []byte(summary))
}

// Transcript returns the refined transcript artifact for a unit.
func (s *Store) Transcript(id string) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.root, transcriptsDir, id+".md"))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *Store) Summary(id string) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.root, summariesDir, id+".md"))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Discard removes a unit's artifacts, for superseded or force-reprocessed
// units.
func (s *Store) Discard(id string) error {
	for _, p := range []string{
		filepath.Join(s.root, transcriptsDir, id+".md"),
		filepath.Join(s.root, transcriptsDir, "raw-"+id+".md"),
		filepath.Join(s.root, summariesDir, id+".md"),
	} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// writeAtomic writes to a temp file in the destination directory and renames
// it into place, so readers observe either no file or a complete one.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}
