// Package memory implements the tagged hypervector store: the hybrid
// ranker, JSONL persistence, the noisy-unbind cleanup operator, and
// compositional queries over bound role/filler pairs.
package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"telos/internal/hv"
	"telos/internal/streams"
	"telos/internal/wal"
)

// Entry is one stored memory record. Entries are created by AddContext
// / AddConcept and never mutated; they are destroyed only by an
// explicit Clear, or by LoadFromStore, which replaces the whole list.
type Entry struct {
	ID        uint64
	Text      string
	Vector    hv.Vector
	Tags      map[string]bool
	Timestamp float64
}

// Ranked pairs an Entry with its score from Search, or its similarity
// from Cleanup/CompositionalQuery.
type Ranked struct {
	Entry Entry
	Score float64
}

// Relation is a (role, filler) pair used to build a compositional
// query's bound terms.
type Relation struct {
	Role   hv.Vector
	Filler hv.Vector
}

// Options tunes Search beyond the mandatory scoring formula.
type Options struct {
	// Diversify re-ranks the top-k to penalize repeated tags, so a
	// corpus dominated by one tag does not crowd out the result set.
	// Off by default; never changes ranking when false.
	Diversify bool
}

// Index is the tagged hypervector store. One Index instance is the
// process-wide memory singleton per spec.md §5; tests construct
// independent instances freely.
type Index struct {
	mu      sync.RWMutex
	codec   hv.Codec
	entries []Entry
	nextID  uint64
	now     func() float64

	cache   EmbeddingCache
	backend VectorBackend
	wal     *wal.Engine
	streams *streams.Registry

	log zerolog.Logger
}

// New constructs an empty Index using codec for all encoding.
func New(codec hv.Codec, log zerolog.Logger) *Index {
	return &Index{
		codec: codec,
		now:   func() float64 { return 0 },
		log:   log.With().Str("component", "memory").Logger(),
	}
}

// WithClock overrides the timestamp source (tests use a fixed clock so
// Entry.Timestamp is deterministic).
func (ix *Index) WithClock(now func() float64) *Index { ix.now = now; return ix }

// WithCache attaches an optional embedding cache for query vectors.
func (ix *Index) WithCache(c EmbeddingCache) *Index { ix.cache = c; return ix }

// WithVectorBackend attaches an optional external ANN backend used to
// accelerate candidate retrieval for large corpora.
func (ix *Index) WithVectorBackend(b VectorBackend) *Index { ix.backend = b; return ix }

// WithWAL wires the index through a WAL engine so ingest/load operations
// emit the informational MARK lines documented in spec.md §2 and §6
// (e.g. `MARK memory.load {"loaded":17,...}`). Optional: a nil WAL
// leaves every memory operation exactly as before.
func (ix *Index) WithWAL(w *wal.Engine) *Index { ix.wal = w; return ix }

// WithStreams attaches the JSONL stream registry so every MARK emitted
// by mark is also mirrored to the "memory" stream as a structured
// record, per spec.md §2's "MARK memory.load ... travels through the
// WAL and is mirrored here" data flow. Optional: a nil registry leaves
// every memory operation exactly as before.
func (ix *Index) WithStreams(r *streams.Registry) *Index { ix.streams = r; return ix }

func (ix *Index) mark(tag string, info map[string]any) {
	if ix.wal != nil {
		_ = ix.wal.Mark(tag, info)
	}
	if ix.streams != nil {
		w, err := ix.streams.Stream(streams.Memory)
		if err == nil {
			fields := make(map[string]any, len(info)+1)
			for k, v := range info {
				fields[k] = v
			}
			fields["tag"] = tag
			_ = w.Append(fields)
		}
	}
}

func (ix *Index) encode(text string) hv.Vector {
	if ix.cache != nil {
		if v, ok := ix.cache.Get(text); ok {
			return v
		}
	}
	v := ix.codec.EncodeText(text)
	if ix.cache != nil {
		ix.cache.Set(text, v)
	}
	return v
}

func normalizeTags(tags []string) map[string]bool {
	if len(tags) == 0 {
		return map[string]bool{}
	}
	out := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t != "" {
			out[t] = true
		}
	}
	return out
}

// appendEntryLocked performs the actual insert without emitting a MARK
// line, so batch callers (Load) can emit one summary MARK instead of
// one per record.
func (ix *Index) appendEntryLocked(text string, tags []string) Entry {
	ix.nextID++
	id := ix.nextID
	e := Entry{
		ID:        id,
		Text:      text,
		Vector:    ix.encode(text),
		Tags:      normalizeTags(tags),
		Timestamp: ix.now(),
	}
	ix.entries = append(ix.entries, e)
	if ix.backend != nil {
		_ = ix.backend.Upsert(id, e.Vector)
	}
	return e
}

func (ix *Index) addLocked(text string, tags []string) uint64 {
	e := ix.appendEntryLocked(text, tags)
	ix.mark("memory.add", map[string]any{"id": e.ID, "tags": sortedKeys(e.Tags)})
	return e.ID
}

// AddContext encodes text, appends it as a new entry, and returns its
// id. Idempotence is not required: calling twice with the same text
// yields two entries.
func (ix *Index) AddContext(text string) uint64 {
	return ix.AddContextTagged(text, nil)
}

// AddContextTagged is AddContext with an explicit tag set.
func (ix *Index) AddContextTagged(text string, tags []string) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.addLocked(text, tags)
}

// AddConcept is the concept-oriented counterpart to AddContext; it
// shares the same encode-and-append contract.
func (ix *Index) AddConcept(concept string) uint64 {
	return ix.AddContext(concept)
}

// BulkIndex inserts every item in items and returns the count inserted.
func (ix *Index) BulkIndex(items []string) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, item := range items {
		ix.addLocked(item, nil)
	}
	return len(items)
}

// Clear destroys every entry. Apart from LoadFromStore, which replaces
// the whole list, this is the only way entries are removed.
func (ix *Index) Clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = nil
}

// Len reports the number of live entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// --- JSONL persistence (spec.md §6) ---

type jsonlRecord struct {
	Text string   `json:"text"`
	Tags []string `json:"tags,omitempty"`
}

// Save writes the index as one JSON object per line. Vectors are never
// stored; they are recomputed on Load.
func (ix *Index) Save(path string) error {
	ix.mu.RLock()
	entries := make([]Entry, len(ix.entries))
	copy(entries, ix.entries)
	ix.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("memory: create %s: %w", path, err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, e := range entries {
		rec := jsonlRecord{Text: e.Text, Tags: sortedKeys(e.Tags)}
		b, err := json.Marshal(rec)
		if err != nil {
			continue
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			return fmt.Errorf("memory: write %s: %w", path, err)
		}
	}
	return w.Flush()
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Load reads a JSONL snapshot, recomputing each vector via the
// configured codec (encode must be deterministic). A missing file
// returns (0, nil); a malformed line is logged and skipped. Only a
// failure to open the file returns an error.
func (ix *Index) Load(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("memory: open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	count := 0
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var rec jsonlRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			ix.log.Warn().Err(err).Msg("memory: skipping malformed snapshot line")
			continue
		}
		ix.appendEntryLocked(rec.Text, rec.Tags)
		count++
	}
	ix.mark("memory.load", map[string]any{"loaded": count})
	return count, nil
}

// --- Hybrid ranker (spec.md §4.B) ---

var tagHintPattern = `tags:`

// parseTagHint extracts an optional "[NAME tags:t1,t2] actual query"
// prefix, returning the remaining query text and the parsed tag set.
// Queries without the hint are returned unchanged with a nil tag set.
func parseTagHint(query string) (string, map[string]bool) {
	if !strings.HasPrefix(query, "[") {
		return query, nil
	}
	close := strings.IndexByte(query, ']')
	if close < 0 {
		return query, nil
	}
	header := query[1:close]
	rest := strings.TrimSpace(query[close+1:])
	idx := strings.Index(header, tagHintPattern)
	if idx < 0 {
		return query, nil
	}
	tagsPart := header[idx+len(tagHintPattern):]
	var tags []string
	for _, t := range strings.Split(tagsPart, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			tags = append(tags, t)
		}
	}
	return rest, normalizeTags(tags)
}

func lengthBonus(a, b string) float64 {
	diff := len(a) - len(b)
	if diff < 0 {
		diff = -diff
	}
	return 1.0 / (1.0 + float64(diff))
}

func tagBoost(queryTags, entryTags map[string]bool) float64 {
	if len(queryTags) == 0 {
		return 0
	}
	overlap := 0
	for t := range queryTags {
		if entryTags[t] {
			overlap++
			if overlap == 3 {
				break
			}
		}
	}
	return 0.2 * float64(overlap)
}

func (ix *Index) scoreEntry(e Entry, lowerQuery string, queryVec hv.Vector, queryTags map[string]bool) float64 {
	presence := 0.0
	if strings.Contains(strings.ToLower(e.Text), lowerQuery) {
		presence = 2.0
	}
	score := presence + lengthBonus(e.Text, lowerQuery) + hv.Similarity(queryVec, e.Vector) + tagBoost(queryTags, e.Tags)
	return score
}

// Search ranks every entry by presence + length_bonus + cosine +
// tag_boost and returns the top k, sorted by score descending with
// ties broken by insertion order. k == 0 or an empty index returns
// nil. query may optionally carry a "[NAME tags:t1,t2] " hint prefix.
func (ix *Index) Search(query string, k int) []Ranked {
	return ix.SearchWithOptions(query, k, Options{})
}

// SearchWithOptions is Search with the optional diversify pass from
// the supplemented feature set; it never changes ranking when
// opts.Diversify is false.
func (ix *Index) SearchWithOptions(query string, k int, opts Options) []Ranked {
	if k == 0 {
		return nil
	}
	ix.mu.RLock()
	entries := make([]Entry, len(ix.entries))
	copy(entries, ix.entries)
	ix.mu.RUnlock()
	if len(entries) == 0 {
		return nil
	}

	text, hintTags := parseTagHint(query)
	lowerQuery := strings.ToLower(text)
	queryVec := ix.encode(text)

	if ix.backend != nil {
		if narrowed := ix.candidatesFromBackend(entries, queryVec, k); narrowed != nil {
			entries = narrowed
		}
	}

	ranked := make([]scoredEntry, len(entries))
	for i, e := range entries {
		ranked[i] = scoredEntry{idx: i, entry: e, score: ix.scoreEntry(e, lowerQuery, queryVec, hintTags)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].idx < ranked[j].idx
	})

	if opts.Diversify {
		ranked = diversify(ranked)
	}
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]Ranked, len(ranked))
	for i, r := range ranked {
		out[i] = Ranked{Entry: r.entry, Score: r.score}
	}
	return out
}

// candidatesFromBackend asks the external ANN backend for the entries
// nearest queryVec and narrows all of the hybrid ranker down to just
// those, so large corpora skip the brute-force scan while the
// presence + length_bonus + cosine + tag_boost formula still runs
// unchanged over the returned candidates. A backend error or an empty
// result set falls back to scoring every entry, so Search never
// returns less than the brute-force path would.
func (ix *Index) candidatesFromBackend(entries []Entry, queryVec hv.Vector, k int) []Entry {
	limit := k * 4
	if limit < k {
		limit = k
	}
	ids, err := ix.backend.Search(queryVec, limit)
	if err != nil || len(ids) == 0 {
		if err != nil {
			ix.log.Warn().Err(err).Msg("memory: vector backend search failed, falling back to full scan")
		}
		return nil
	}
	byID := make(map[uint64]Entry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

type scoredEntry struct {
	idx   int
	entry Entry
	score float64
}

// diversify mirrors internal/rag/retrieve's Diversify: an entry's
// effective score is halved once for every higher-ranked result that
// already claimed one of its tags, then the list is re-sorted. Ties still
// break by original insertion order.
func diversify(ranked []scoredEntry) []scoredEntry {
	claimed := make(map[string]int, len(ranked))
	adjusted := make([]scoredEntry, len(ranked))
	copy(adjusted, ranked)
	for i := range adjusted {
		penalty := 1.0
		for t := range adjusted[i].entry.Tags {
			if n := claimed[t]; n > 0 {
				for j := 0; j < n; j++ {
					penalty *= 0.5
				}
			}
		}
		adjusted[i].score *= penalty
		for t := range adjusted[i].entry.Tags {
			claimed[t]++
		}
	}
	sort.SliceStable(adjusted, func(i, j int) bool {
		if adjusted[i].score != adjusted[j].score {
			return adjusted[i].score > adjusted[j].score
		}
		return adjusted[i].idx < adjusted[j].idx
	})
	return adjusted
}

// --- Cleanup & compositional query (spec.md §4.B, the VSA dialogue) ---

// Cleanup returns the entry whose vector has the highest cosine
// similarity to noisy — the nearest-neighbor step that completes the
// unbind→cleanup dialogue. Returns (Ranked{}, false) on an empty index.
// When a vector backend is configured, the nearest-neighbor candidates
// it returns are scanned instead of the full entry list; any backend
// failure falls back to the brute-force scan.
func (ix *Index) Cleanup(noisy hv.Vector) (Ranked, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.entries) == 0 {
		return Ranked{}, false
	}
	candidates := ix.entries
	if ix.backend != nil {
		if narrowed := ix.candidatesFromBackend(ix.entries, noisy, 1); narrowed != nil {
			candidates = narrowed
		}
	}
	best := candidates[0]
	bestScore := hv.Similarity(noisy, best.Vector)
	for _, e := range candidates[1:] {
		if s := hv.Similarity(noisy, e.Vector); s > bestScore {
			best, bestScore = e, s
		}
	}
	return Ranked{Entry: best, Score: bestScore}, true
}

// CompositionalQuery builds composite = bundle(base, bind(role,
// filler) for each relation), computes noisy = unbind(composite,
// target), and returns cleanup(noisy) along with a confidence score:
// the cosine similarity of the cleaned result to noisy itself
// (supplementing spec.md §4.B's bare Option<Ranked> with a usable
// confidence signal for callers, per the teacher's pattern of
// attaching scores/explanations throughout its retrieval package).
func (ix *Index) CompositionalQuery(base hv.Vector, relations []Relation, target hv.Vector) (Ranked, float64, bool) {
	terms := make([]hv.Vector, 0, len(relations)+1)
	terms = append(terms, base)
	for _, rel := range relations {
		terms = append(terms, hv.Bind(rel.Role, rel.Filler))
	}
	composite := hv.Bundle(terms)
	noisy := hv.Unbind(composite, target)
	result, ok := ix.Cleanup(noisy)
	if !ok {
		return Ranked{}, 0, false
	}
	confidence := hv.Similarity(result.Entry.Vector, noisy)
	return result, confidence, true
}
