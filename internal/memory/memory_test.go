package memory

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"telos/internal/hv"
	"telos/internal/streams"
	"telos/internal/wal"
)

func newTestIndex() *Index {
	return New(hv.NewCodec(512), zerolog.Nop())
}

func TestAddContextAssignsStableIDs(t *testing.T) {
	ix := newTestIndex()
	a := ix.AddContext("alpha beta")
	b := ix.AddContext("beta gamma")
	require.Equal(t, uint64(1), a)
	require.Equal(t, uint64(2), b)
	require.Equal(t, 2, ix.Len())
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := newTestIndex()
	require.Empty(t, ix.Search("anything", 5))
}

func TestSearchKZeroReturnsEmpty(t *testing.T) {
	ix := newTestIndex()
	ix.AddContext("alpha")
	require.Empty(t, ix.Search("alpha", 0))
}

func TestSearchRanksBySubstringAndTags(t *testing.T) {
	ix := newTestIndex()
	ix.AddContextTagged("alpha beta", []string{"x"})
	ix.AddContextTagged("beta gamma", []string{"x", "y"})
	ix.AddContextTagged("delta", nil)

	results := ix.Search("beta", 3)
	require.Len(t, results, 3)
	// "delta" never contains "beta" and shares no tokens, so it should
	// rank last.
	require.Equal(t, "delta", results[2].Entry.Text)
	texts := map[string]bool{results[0].Entry.Text: true, results[1].Entry.Text: true}
	require.True(t, texts["alpha beta"])
	require.True(t, texts["beta gamma"])
}

func TestSearchTagHintPrefix(t *testing.T) {
	ix := newTestIndex()
	ix.AddContextTagged("notes about rockets", []string{"space"})
	ix.AddContextTagged("notes about cooking", []string{"food"})

	results := ix.Search("[Q tags:space] notes", 2)
	require.Len(t, results, 2)
	require.Equal(t, "notes about rockets", results[0].Entry.Text)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ix := newTestIndex()
	ix.AddContextTagged("alpha beta", []string{"x"})
	ix.AddContextTagged("beta gamma", []string{"x", "y"})
	ix.AddContext("delta")

	path := filepath.Join(t.TempDir(), "mem.jsonl")
	require.NoError(t, ix.Save(path))

	before := ix.Search("beta", 3)

	ix.Clear()
	require.Equal(t, 0, ix.Len())

	n, err := ix.Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	after := ix.Search("beta", 3)
	require.Len(t, after, len(before))
	for i := range before {
		require.Equal(t, before[i].Entry.Text, after[i].Entry.Text)
		require.InDelta(t, before[i].Score, after[i].Score, 1e-9)
	}
}

func TestAddContextEmitsMemoryAddMark(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")
	walEngine := wal.New(walPath, zerolog.Nop())
	ix := New(hv.NewCodec(512), zerolog.Nop()).WithWAL(walEngine)

	ix.AddContextTagged("alpha beta", []string{"x"})

	b, err := os.ReadFile(walPath)
	require.NoError(t, err)
	require.Contains(t, string(b), "MARK memory.add ")
}

func TestLoadEmitsSingleMemoryLoadMark(t *testing.T) {
	walPath := filepath.Join(t.TempDir(), "test.wal")
	walEngine := wal.New(walPath, zerolog.Nop())

	seed := New(hv.NewCodec(512), zerolog.Nop())
	seed.AddContextTagged("alpha beta", []string{"x"})
	seed.AddContext("delta")
	snapshotPath := filepath.Join(t.TempDir(), "mem.jsonl")
	require.NoError(t, seed.Save(snapshotPath))

	ix := New(hv.NewCodec(512), zerolog.Nop()).WithWAL(walEngine)
	n, err := ix.Load(snapshotPath)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	b, err := os.ReadFile(walPath)
	require.NoError(t, err)
	content := string(b)
	require.Equal(t, 1, strings.Count(content, "MARK memory.load "))
	require.Contains(t, content, `"loaded":2`)
	// Load itself must not emit per-record memory.add marks.
	require.NotContains(t, content, "MARK memory.add ")
}

func TestLoadMirrorsMarkToMemoryStream(t *testing.T) {
	logsDir := t.TempDir()
	registry := streams.NewRegistry(logsDir)

	seed := New(hv.NewCodec(512), zerolog.Nop())
	seed.AddContext("alpha")
	snapshotPath := filepath.Join(t.TempDir(), "mem.jsonl")
	require.NoError(t, seed.Save(snapshotPath))

	ix := New(hv.NewCodec(512), zerolog.Nop()).WithStreams(registry)
	_, err := ix.Load(snapshotPath)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(logsDir, streams.Memory+".jsonl"))
	require.NoError(t, err)
	require.Contains(t, string(b), `"tag":"memory.load"`)
	require.Contains(t, string(b), `"loaded":1`)
}

func TestLoadMissingFileReturnsZero(t *testing.T) {
	ix := newTestIndex()
	n, err := ix.Load(filepath.Join(t.TempDir(), "missing.jsonl"))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestCleanupEmptyIndex(t *testing.T) {
	ix := newTestIndex()
	_, ok := ix.Cleanup(hv.Vector{1, 2, 3})
	require.False(t, ok)
}

func TestVSADialogueRecoversFillers(t *testing.T) {
	codec := hv.NewCodec(4000)
	ix := New(codec, zerolog.Nop())

	c1 := codec.EncodeText("concept one")
	c2 := codec.EncodeText("concept two")
	c3 := codec.EncodeText("concept three")
	ix.AddContext("concept one")
	ix.AddContext("concept two")
	ix.AddContext("concept three")

	r1 := codec.GenerateHypervector(101)
	r2 := codec.GenerateHypervector(202)

	composite := hv.Bundle([]hv.Vector{hv.Bind(r1, c1), hv.Bind(r2, c2)})

	got1, ok := ix.Cleanup(hv.Unbind(composite, r1))
	require.True(t, ok)
	require.Equal(t, "concept one", got1.Entry.Text)

	got2, ok := ix.Cleanup(hv.Unbind(composite, r2))
	require.True(t, ok)
	require.Equal(t, "concept two", got2.Entry.Text)

	require.NotEqual(t, "concept three", got1.Entry.Text)
	require.NotEqual(t, "concept three", got2.Entry.Text)
	_ = c3
}

func TestCompositionalQueryConfidence(t *testing.T) {
	codec := hv.NewCodec(4000)
	ix := New(codec, zerolog.Nop())
	base := codec.GenerateHypervector(1)
	role := codec.GenerateHypervector(2)
	filler := codec.EncodeText("paris")
	ix.AddContext("paris")
	ix.AddContext("berlin")

	result, confidence, ok := ix.CompositionalQuery(base, []Relation{{Role: role, Filler: filler}}, role)
	require.True(t, ok)
	require.Equal(t, "paris", result.Entry.Text)
	require.Greater(t, confidence, 0.0)
}

func TestDiversifyDoesNotChangeRankingWhenDisabled(t *testing.T) {
	ix := newTestIndex()
	ix.AddContextTagged("rockets one", []string{"space"})
	ix.AddContextTagged("rockets two", []string{"space"})
	ix.AddContextTagged("rockets three", []string{"space"})
	ix.AddContextTagged("cooking", []string{"food"})

	without := ix.Search("rockets", 4)
	withOpt := ix.SearchWithOptions("rockets", 4, Options{Diversify: false})
	require.Equal(t, without, withOpt)
}

func TestDiversifyPenalizesRepeatedTags(t *testing.T) {
	ix := newTestIndex()
	ix.AddContextTagged("widget", []string{"space"})
	ix.AddContextTagged("widget", []string{"space"})
	ix.AddContextTagged("widget", []string{"space"})
	ix.AddContextTagged("widget", []string{"food"})

	withoutScores := ix.Search("widget", 4)
	withScores := ix.SearchWithOptions("widget", 4, Options{Diversify: true})
	require.Len(t, withScores, 4)

	// Every repeated "space" entry after the first should score lower
	// under diversification than it did without it, since each repeat
	// halves the effective score.
	var spaceCountSeen int
	for i, r := range withScores {
		if r.Entry.Tags["space"] {
			spaceCountSeen++
			if spaceCountSeen > 1 {
				require.Less(t, r.Score, withoutScores[i].Score)
			}
		}
	}
}
