// Package streams implements the JSONL event-stream tree described in
// spec.md §6's persisted state layout: a logs/ directory holding
// separate append-only JSONL files for LLM calls, tool uses, the
// curation queue, candidate-gold records, UI snapshots, and memory
// index add/load records.
//
// Grounded on internal/rag/obs/logger.go's JSONLogger (one JSON object
// per line, mutex-guarded), generalized from a single stdout stream
// into one file per named stream under a configured root.
package streams

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Stream names matching spec.md §6's persisted state layout.
const (
	LLM           = "llm"
	Tool          = "tool"
	Curation      = "curation"
	CandidateGold = "candidate_gold"
	UISnapshot    = "ui_snapshot"
	Memory        = "memory"
)

// Writer appends one JSON object per line to a single file.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func newWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("streams: mkdir %s: %w", filepath.Dir(path), err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("streams: open %s: %w", path, err)
	}
	return &Writer{path: path, f: f}, nil
}

// Append marshals fields as one JSON object and writes it as a single
// line. Marshal failures are reported but never panic the caller.
func (w *Writer) Append(fields map[string]any) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("streams: marshal: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.f.Write(append(b, '\n'))
	return err
}

// Close closes the underlying file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Registry holds the named streams rooted under a logs/ directory,
// opening each file lazily on first use.
type Registry struct {
	mu      sync.Mutex
	root    string
	writers map[string]*Writer

	curationMu   sync.Mutex
	curationSeen map[string]bool
}

// NewRegistry returns a Registry rooted at dir (created on first
// write, not at construction).
func NewRegistry(dir string) *Registry {
	return &Registry{
		root:         dir,
		writers:      make(map[string]*Writer),
		curationSeen: make(map[string]bool),
	}
}

// Stream returns (opening if necessary) the Writer for a named stream.
func (r *Registry) Stream(name string) (*Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.writers[name]; ok {
		return w, nil
	}
	w, err := newWriter(filepath.Join(r.root, name+".jsonl"))
	if err != nil {
		return nil, err
	}
	r.writers[name] = w
	return w, nil
}

// CurationEntry is spec.md §3's Curation Queue Entry: append-only,
// deduplicated on textual equality of the serialized line.
type CurationEntry struct {
	Kind   string `json:"kind"` // "llm" | "tool" | "memory"
	Key    string `json:"key"`
	Path   string `json:"path"`
	Record any    `json:"record"`
}

// AppendCuration appends entry to the curation stream unless an
// identical line (by exact JSON text) has already been written during
// this Registry's lifetime.
func (r *Registry) AppendCuration(entry CurationEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("streams: marshal curation entry: %w", err)
	}
	line := string(b)

	r.curationMu.Lock()
	if r.curationSeen[line] {
		r.curationMu.Unlock()
		return nil
	}
	r.curationSeen[line] = true
	r.curationMu.Unlock()

	w, err := r.Stream(Curation)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.f.Write(append([]byte(line), '\n'))
	return err
}

// Close closes every opened stream writer.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, w := range r.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
