package telos

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"telos/internal/config"
	"telos/internal/hv"
)

func newTestCore(t *testing.T, dir string) *Core {
	t.Helper()
	cfg := config.Config{
		WALPath:            filepath.Join(dir, "telos.wal"),
		LogsDir:            filepath.Join(dir, "logs"),
		HVDimension:        512,
		MemorySnapshotPath: filepath.Join(dir, "memory.jsonl"),
	}
	core, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	return core
}

// Scenario 1: create-mutate-replay.
func TestScenarioCreateMutateReplay(t *testing.T) {
	dir := t.TempDir()
	core := newTestCore(t, dir)

	id := core.Dispatch(context.Background(), "newRect 10 20 80 60 1 0 0 1")
	require.False(t, strings.HasPrefix(id, "["))

	b, err := os.ReadFile(filepath.Join(dir, "telos.wal"))
	require.NoError(t, err)
	require.Contains(t, string(b), "SET "+id+".type TO RectangleMorph")

	// Fresh process: new Core over the same WAL path, replay it.
	fresh := newTestCore(t, filepath.Join(dir, "second"))
	walPath := filepath.Join(dir, "telos.wal")
	result := fresh.Dispatch(context.Background(), "replay "+walPath)
	require.False(t, strings.HasPrefix(result, "["))

	m, err := fresh.World.Get(id)
	require.NoError(t, err)
	require.Equal(t, 10.0, m.X)
	require.Equal(t, 20.0, m.Y)
	require.Equal(t, 80.0, m.Width)
	require.Equal(t, 60.0, m.Height)
	require.Equal(t, 1.0, m.Color.R)
}

// Scenario 4: memory round-trip.
func TestScenarioMemoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	core := newTestCore(t, dir)

	core.Memory.AddContextTagged("alpha beta", []string{"x"})
	core.Memory.AddContextTagged("beta gamma", []string{"x", "y"})
	core.Memory.AddContext("delta")

	before := core.Memory.Search("beta", 3)
	require.Len(t, before, 3)
	require.Equal(t, "delta", before[2].Entry.Text)

	path := filepath.Join(dir, "mem.jsonl")
	require.NoError(t, core.Memory.Save(path))
	core.Memory.Clear()
	n, err := core.Memory.Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	after := core.Memory.Search("beta", 3)
	require.Len(t, after, 3)
	for i := range before {
		require.Equal(t, before[i].Entry.Text, after[i].Entry.Text)
	}
}

// Scenario 5: VSA dialogue.
func TestScenarioVSADialogue(t *testing.T) {
	dir := t.TempDir()
	core := newTestCore(t, dir)
	codec := hv.NewCodec(2000)

	c1 := codec.EncodeText("concept one")
	c2 := codec.EncodeText("concept two")
	core.Memory.AddContext("concept one")
	core.Memory.AddContext("concept two")
	core.Memory.AddContext("concept three")

	r1 := codec.GenerateHypervector(11)
	r2 := codec.GenerateHypervector(22)
	composite := hv.Bundle([]hv.Vector{hv.Bind(r1, c1), hv.Bind(r2, c2)})

	got1, ok := core.Memory.Cleanup(hv.Unbind(composite, r1))
	require.True(t, ok)
	require.Equal(t, "concept one", got1.Entry.Text)

	got2, ok := core.Memory.Cleanup(hv.Unbind(composite, r2))
	require.True(t, ok)
	require.Equal(t, "concept two", got2.Entry.Text)
}

// Scenario 6: generative synthesis is deterministic.
func TestScenarioGenerativeSynthesisDeterministic(t *testing.T) {
	dir := t.TempDir()
	core := newTestCore(t, dir)

	id := core.Dispatch(context.Background(), "createGlimmerButton")
	require.False(t, strings.HasPrefix(id, "["))
	m, err := core.World.Get(id)
	require.NoError(t, err)
	require.Equal(t, "ButtonMorph", m.Kind)
}

func TestReplayNonexistentWALReturnsSentinel(t *testing.T) {
	dir := t.TempDir()
	core := newTestCore(t, dir)
	result := core.Dispatch(context.Background(), "replay "+filepath.Join(dir, "missing.wal"))
	require.Equal(t, "[no-wal]", result)
}

func TestUnknownCommandReturnsSentinel(t *testing.T) {
	dir := t.TempDir()
	core := newTestCore(t, dir)
	result := core.Dispatch(context.Background(), "???")
	require.Equal(t, "[no-such-command]???", result)
}

func TestMoveNoSuchMorphReturnsSentinel(t *testing.T) {
	dir := t.TempDir()
	core := newTestCore(t, dir)
	result := core.Dispatch(context.Background(), "move does-not-exist 1 2")
	require.Equal(t, "[no-morph]", result)
}

func TestHeartbeatAccumulates(t *testing.T) {
	dir := t.TempDir()
	core := newTestCore(t, dir)
	require.Equal(t, "3", core.Dispatch(context.Background(), "heartbeat 3"))
	require.Equal(t, "5", core.Dispatch(context.Background(), "heartbeat 2"))
}

func TestRagGrowIngestsNContexts(t *testing.T) {
	dir := t.TempDir()
	core := newTestCore(t, dir)
	result := core.Dispatch(context.Background(), "rag.grow weather ROBIN 3")
	require.Equal(t, "3", result)
	require.Equal(t, 3, core.Memory.Len())
}

func TestUIPlanApplyCommitsFramedWAL(t *testing.T) {
	dir := t.TempDir()
	core := newTestCore(t, dir)
	result := core.Dispatch(context.Background(), "ui.plan.apply ROBIN build-a-button")
	require.Equal(t, "ok", result)

	frames, err := core.WAL.ListCompleteFrames()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, "ui.plan", frames[0].Tag)
}
