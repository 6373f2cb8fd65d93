// Package wal implements the transactional write-ahead log that makes
// the object world durable: framed append, rotation, frame parsing, and
// idempotent replay. The file format is bit-exact ASCII text; see the
// package-level grammar helpers for the SET/BEGIN/END/MARK line shapes.
package wal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPath is the process-wide default WAL file name (spec.md §6).
const DefaultPath = "telos.wal"

// Sentinel errors returned by Engine methods. The command surface
// (internal/telos) maps these to bracket-prefixed textual sentinels;
// wal itself never returns bracket strings.
var (
	// ErrNoWAL is returned by Replay when the target file does not exist.
	ErrNoWAL = errors.New("wal: no such file")
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// SetLine is a parsed `SET <id>.<slot> TO <value>` record.
type SetLine struct {
	MorphID string
	Slot    string
	Value   string
}

// FrameSummary describes one committed BEGIN/END region. BeginInfo is
// the raw opaque JSON text carried on the BEGIN line — the core never
// re-parses it (spec.md §6), so it is surfaced verbatim for read-model
// consumers like the generative kernel's query category.
type FrameSummary struct {
	Tag      string
	SetCount int
	BeginInfo string
}

// ReplaySink receives parsed SET records from a committed replay
// region in file order. internal/world.World implements this,
// interpreting the slot grammar (type/position/size/color/zIndex/text)
// against the live morph index and prototype registry.
type ReplaySink interface {
	ApplySet(morphID, slot, value string) error
}

// Archiver optionally ships a rotated WAL segment to durable external
// storage right after Rotate succeeds. Purely additive: Rotate's
// on-disk semantics are unaffected if Archiver is nil.
type Archiver interface {
	Archive(ctx context.Context, path string) error
}

// FrameNotifier optionally publishes one message per committed frame,
// for external curation/observability consumers. Purely additive.
type FrameNotifier interface {
	NotifyFrame(ctx context.Context, summary FrameSummary) error
}

// Stats counts recoverable error conditions per spec.md §7: malformed
// replay lines and unknown SET slots are skipped, not propagated, but
// must be counted.
type Stats struct {
	MalformedLines int64
	UnknownSlots   int64
	DiscardedFrames int64
}

// Engine is a single WAL file's writer/replayer. One Engine instance
// corresponds to one process-wide WAL singleton (spec.md §5); tests may
// construct independent instances against distinct paths.
type Engine struct {
	path string
	mu   sync.Mutex

	replaying atomic.Bool
	stats     Stats
	statsMu   sync.Mutex

	log zerolog.Logger

	archiver Archiver
	notifier FrameNotifier
}

// New returns an Engine writing to path. An empty path falls back to
// DefaultPath.
func New(path string, log zerolog.Logger) *Engine {
	if path == "" {
		path = DefaultPath
	}
	return &Engine{path: path, log: log.With().Str("component", "wal").Logger()}
}

// WithArchiver attaches an optional segment archiver, returning the
// same Engine for chaining.
func (e *Engine) WithArchiver(a Archiver) *Engine { e.archiver = a; return e }

// WithNotifier attaches an optional frame notifier, returning the same
// Engine for chaining.
func (e *Engine) WithNotifier(n FrameNotifier) *Engine { e.notifier = n; return e }

// Path reports the configured WAL file path.
func (e *Engine) Path() string { return e.path }

// IsReplaying reports whether a Replay is currently in progress. Live
// mutation setters in internal/world consult this to suppress
// redundant WAL writes during replay, per spec.md §4.C step 1 and §5.
func (e *Engine) IsReplaying() bool { return e.replaying.Load() }

// Snapshot returns a copy of the current error counters.
func (e *Engine) Snapshot() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

func (e *Engine) countMalformed() {
	e.statsMu.Lock()
	e.stats.MalformedLines++
	e.statsMu.Unlock()
}

func (e *Engine) countUnknownSlot() {
	e.statsMu.Lock()
	e.stats.UnknownSlots++
	e.statsMu.Unlock()
}

func (e *Engine) countDiscardedFrame() {
	e.statsMu.Lock()
	e.stats.DiscardedFrames++
	e.statsMu.Unlock()
}

// Append writes line+"\n" to the WAL file in append mode. A failed
// open/write is logged and returned to the caller; it is not counted
// in Stats. While a Replay is running, Append writes nothing and
// returns nil.
func (e *Engine) Append(line string) error {
	if e.IsReplaying() {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.appendLocked(line)
}

func (e *Engine) appendLocked(line string) error {
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		e.log.Error().Err(err).Str("path", e.path).Msg("wal append open failed")
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		e.log.Error().Err(err).Msg("wal append write failed")
		return err
	}
	return nil
}

func infoJSON(info map[string]any) string {
	if info == nil {
		info = map[string]any{}
	}
	if _, ok := info["t"]; !ok {
		info["t"] = float64(time.Now().UnixNano()) / 1e9
	}
	b, err := json.Marshal(info)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Begin writes `BEGIN <tag> <json(info ∪ {t: now})>`.
func (e *Engine) Begin(tag string, info map[string]any) error {
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("wal: invalid tag %q", tag)
	}
	return e.Append("BEGIN " + tag + " " + infoJSON(info))
}

// End writes `END <tag>`.
func (e *Engine) End(tag string) error {
	return e.Append("END " + tag)
}

// Mark writes a standalone informational `MARK <tag> <json-info>` line.
// Mark lines never carry replayable state.
func (e *Engine) Mark(tag string, info map[string]any) error {
	if !tagPattern.MatchString(tag) {
		return fmt.Errorf("wal: invalid tag %q", tag)
	}
	return e.Append("MARK " + tag + " " + infoJSON(info))
}

// Commit wraps body in a BEGIN/END frame. body may emit any number of
// SET/MARK lines. If body returns an error, END is still written — the
// frame closes with whatever partial state body managed to emit, and
// remains valid for replay because the framing itself is intact
// (spec.md §4.C). Replay does not support nested frames: a BEGIN
// written by body discards the outer frame, so only the inner frame's
// SET lines are replayed.
func (e *Engine) Commit(tag string, info map[string]any, body func() error) error {
	if err := e.Begin(tag, info); err != nil {
		return err
	}
	bodyErr := body()
	if err := e.End(tag); err != nil {
		if bodyErr != nil {
			return errors.Join(bodyErr, err)
		}
		return err
	}
	if e.notifier != nil && bodyErr == nil {
		// Best-effort notification that the tag closed; the summary
		// carries only the tag (SetCount and BeginInfo are left zero).
		_ = e.notifier.NotifyFrame(context.Background(), FrameSummary{Tag: tag})
	}
	return bodyErr
}

// rawLine classifies one physical WAL line.
type rawLineKind int

const (
	rawUnknown rawLineKind = iota
	rawSet
	rawBegin
	rawEnd
	rawMark
)

func classify(line string) (kind rawLineKind, tag, rest string) {
	switch {
	case strings.HasPrefix(line, "SET "):
		return rawSet, "", strings.TrimPrefix(line, "SET ")
	case strings.HasPrefix(line, "BEGIN "):
		fields := strings.SplitN(strings.TrimPrefix(line, "BEGIN "), " ", 2)
		tag = fields[0]
		if len(fields) > 1 {
			rest = fields[1]
		}
		return rawBegin, tag, rest
	case strings.HasPrefix(line, "END "):
		return rawEnd, strings.TrimPrefix(line, "END "), ""
	case strings.HasPrefix(line, "MARK "):
		fields := strings.SplitN(strings.TrimPrefix(line, "MARK "), " ", 2)
		tag = fields[0]
		if len(fields) > 1 {
			rest = fields[1]
		}
		return rawMark, tag, rest
	default:
		return rawUnknown, "", line
	}
}

// parseSet parses `<id>.<slot> TO <value>` (the "SET " prefix already
// stripped by classify).
func parseSet(rest string) (SetLine, bool) {
	parts := strings.SplitN(rest, " TO ", 2)
	if len(parts) != 2 {
		return SetLine{}, false
	}
	idSlot := parts[0]
	dot := strings.IndexByte(idSlot, '.')
	if dot < 0 {
		return SetLine{}, false
	}
	return SetLine{MorphID: idSlot[:dot], Slot: idSlot[dot+1:], Value: parts[1]}, true
}

type openFrame struct {
	tag  string
	info string
	sets []SetLine
}

// scanFrames reads the WAL file once and groups lines into frames. It
// returns the committed frames (tag, info, sets) in file order plus
// the legacy SET lines observed outside any BEGIN/END region, and
// whether any BEGIN was ever seen at all (the legacy-mode switch in
// spec.md §4.C step 4).
func (e *Engine) scanFrames(path string) (committed []openFrame, legacySets []SetLine, sawBegin bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, false, ErrNoWAL
		}
		return nil, nil, false, err
	}
	defer f.Close()

	var active *openFrame
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		kind, tag, rest := classify(line)
		switch kind {
		case rawBegin:
			sawBegin = true
			if active != nil {
				// A new BEGIN before the previous frame's END: the
				// unclosed frame is discarded per spec.md §4.C step 3.
				e.countDiscardedFrame()
			}
			active = &openFrame{tag: tag, info: rest}
		case rawEnd:
			sawBegin = true
			if active != nil && active.tag == tag {
				committed = append(committed, *active)
				active = nil
			} else {
				// Mismatched END: discard whatever was open, if anything.
				if active != nil {
					e.countDiscardedFrame()
				}
				active = nil
			}
		case rawSet:
			sl, ok := parseSet(rest)
			if !ok {
				e.countMalformed()
				continue
			}
			if active != nil {
				active.sets = append(active.sets, sl)
			} else {
				legacySets = append(legacySets, sl)
			}
		case rawMark:
			// Informational only; never replayed as state.
		default:
			e.countMalformed()
		}
	}
	if err := scanner.Err(); err != nil {
		return committed, legacySets, sawBegin, err
	}
	if active != nil {
		// Unclosed trailing frame (including a torn last line): discard.
		e.countDiscardedFrame()
	}
	return committed, legacySets, sawBegin, nil
}

// ReplayStats reports what a Replay call did.
type ReplayStats struct {
	FramesApplied int
	SetsApplied   int
	LegacyMode    bool
}

// Replay streams the WAL file, groups lines into frames, and applies
// committed SET lines (or, in legacy mode, every SET line) to sink in
// file order. While replay runs, IsReplaying reports true so live
// mutation paths suppress their own WAL writes.
func (e *Engine) Replay(sink ReplaySink) (ReplayStats, error) {
	e.replaying.Store(true)
	defer e.replaying.Store(false)

	committed, legacySets, sawBegin, err := e.scanFrames(e.path)
	if err != nil {
		return ReplayStats{}, err
	}

	var stats ReplayStats
	if len(committed) > 0 {
		for _, fr := range committed {
			stats.FramesApplied++
			for _, sl := range fr.sets {
				if err := sink.ApplySet(sl.MorphID, sl.Slot, sl.Value); err != nil {
					e.countUnknownSlot()
					continue
				}
				stats.SetsApplied++
			}
		}
		return stats, nil
	}
	if !sawBegin {
		stats.LegacyMode = true
		for _, sl := range legacySets {
			if err := sink.ApplySet(sl.MorphID, sl.Slot, sl.Value); err != nil {
				e.countUnknownSlot()
				continue
			}
			stats.SetsApplied++
		}
	}
	return stats, nil
}

// ListCompleteFrames scans the file once and returns one FrameSummary
// per committed frame. It never returns partial frames.
func (e *Engine) ListCompleteFrames() ([]FrameSummary, error) {
	committed, _, _, err := e.scanFrames(e.path)
	if err != nil {
		return nil, err
	}
	out := make([]FrameSummary, 0, len(committed))
	for _, fr := range committed {
		out = append(out, FrameSummary{Tag: fr.tag, SetCount: len(fr.sets), BeginInfo: fr.info})
	}
	return out, nil
}

// Rotate renames the WAL file to path+".1" (overwriting any previous
// backup) and truncates the live file, if its size exceeds maxBytes.
// A no-op when the file is at or under maxBytes returns (false, nil).
//
// Rename-then-truncate is two non-atomic steps (spec.md §9 open
// question): the rename moves the file away, then an empty path is
// created. A crash between the two leaves path.1 holding the
// pre-rotation contents and path absent; the next Append recreates
// path, and until then Replay of path returns ErrNoWAL. No
// temp-file+atomic-swap variant is implemented here.
func (e *Engine) Rotate(maxBytes int64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	info, err := os.Stat(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.Size() <= maxBytes {
		return false, nil
	}
	backup := e.path + ".1"
	if err := os.Rename(e.path, backup); err != nil {
		return false, err
	}
	f, err := os.OpenFile(e.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return true, err
	}
	_ = f.Close()

	if e.archiver != nil {
		if err := e.archiver.Archive(context.Background(), backup); err != nil {
			e.log.Error().Err(err).Str("path", backup).Msg("wal archive upload failed")
		}
	}
	return true, nil
}
