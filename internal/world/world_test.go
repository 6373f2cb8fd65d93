package world

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"telos/internal/wal"
)

func newTestWorld(t *testing.T) (*World, *wal.Engine) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "telos.wal")
	e := wal.New(path, zerolog.Nop())
	w := New(e, zerolog.Nop())
	w.CreateWorld()
	return w, e
}

func TestCreateWorldIdempotent(t *testing.T) {
	w, _ := newTestWorld(t)
	id := w.CreateWorld()
	require.Equal(t, RootID, id)
	root, err := w.Get(RootID)
	require.NoError(t, err)
	require.Equal(t, "World", root.Kind)
}

func TestCreateMorphAndLazyIdentity(t *testing.T) {
	w, e := newTestWorld(t)
	id, err := w.CreateMorph("RectangleMorph")
	require.NoError(t, err)

	m, err := w.Get(id)
	require.NoError(t, err)
	require.False(t, m.PersistedIdentity, "identity should not be persisted at creation")

	require.NoError(t, w.MoveTo(id, 10, 20))
	frames, err := e.ListCompleteFrames()
	require.NoError(t, err)
	require.Empty(t, frames, "identity/move are not framed here")

	m, err = w.Get(id)
	require.NoError(t, err)
	require.True(t, m.PersistedIdentity)
	require.Equal(t, 10.0, m.X)
	require.Equal(t, 20.0, m.Y)
}

func TestMissingTemplateFallsBackToBaseMorph(t *testing.T) {
	w, _ := newTestWorld(t)
	id, err := w.CreateMorph("NoSuchKind")
	require.NoError(t, err)
	m, err := w.Get(id)
	require.NoError(t, err)
	require.Equal(t, "Morph", m.Kind)
}

func TestBringToFrontReordersChildren(t *testing.T) {
	w, _ := newTestWorld(t)
	a, _ := w.CreateMorph("RectangleMorph")
	b, _ := w.CreateMorph("RectangleMorph")
	require.NoError(t, w.BringToFront(a))

	root, err := w.Get(RootID)
	require.NoError(t, err)
	require.Equal(t, []MorphID{b, a}, root.Children)

	ma, err := w.Get(a)
	require.NoError(t, err)
	require.Equal(t, 1, ma.ZIndex)
}

func TestHitTestEmptyWorld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telos.wal")
	w := New(wal.New(path, zerolog.Nop()), zerolog.Nop())
	require.Empty(t, w.HitTest(0, 0))
}

func TestHitTestTopmostLast(t *testing.T) {
	w, _ := newTestWorld(t)
	a, _ := w.CreateMorph("RectangleMorph")
	require.NoError(t, w.MoveTo(a, 0, 0))
	require.NoError(t, w.ResizeTo(a, 100, 100))
	b, _ := w.CreateMorph("RectangleMorph")
	require.NoError(t, w.MoveTo(b, 10, 10))
	require.NoError(t, w.ResizeTo(b, 20, 20))

	hits := w.HitTest(15, 15)
	require.Equal(t, []MorphID{a, b}, hits)
}

func TestDragStateMachine(t *testing.T) {
	w, _ := newTestWorld(t)
	a, _ := w.CreateMorph("RectangleMorph")
	require.NoError(t, w.MoveTo(a, 0, 0))
	require.NoError(t, w.ResizeTo(a, 50, 50))

	require.True(t, w.DispatchEvent(Event{Kind: MouseDown, X: 10, Y: 10}))
	require.True(t, w.DispatchEvent(Event{Kind: MouseMove, X: 30, Y: 30}))
	m, err := w.Get(a)
	require.NoError(t, err)
	require.Equal(t, 20.0, m.X)
	require.Equal(t, 20.0, m.Y)

	require.True(t, w.DispatchEvent(Event{Kind: MouseUp, X: 30, Y: 30}))
	m, err = w.Get(a)
	require.NoError(t, err)
	require.False(t, m.dragging)
	require.Equal(t, 20.0, m.X)
}

func TestApplySetCreatesMorphFromTypeLine(t *testing.T) {
	w, _ := newTestWorld(t)
	require.NoError(t, w.ApplySet("m42", "type", "RectangleMorph"))
	require.NoError(t, w.ApplySet("m42", "position", "(120,40)"))
	require.NoError(t, w.ApplySet("m42", "size", "(80x60)"))
	require.NoError(t, w.ApplySet("m42", "color", "[0.8,0.2,0.2,1]"))

	m, err := w.Get("m42")
	require.NoError(t, err)
	require.Equal(t, "RectangleMorph", m.Kind)
	require.Equal(t, 120.0, m.X)
	require.Equal(t, 40.0, m.Y)
	require.Equal(t, 80.0, m.Width)
	require.Equal(t, 60.0, m.Height)
	require.Equal(t, Color{R: 0.8, G: 0.2, B: 0.2, A: 1}, m.Color)
}

func TestApplySetColorDefaultsAlpha(t *testing.T) {
	w, _ := newTestWorld(t)
	require.NoError(t, w.ApplySet("m1", "type", "RectangleMorph"))
	require.NoError(t, w.ApplySet("m1", "color", "[0.1,0.2,0.3]"))
	m, err := w.Get("m1")
	require.NoError(t, err)
	require.Equal(t, 1.0, m.Color.A)
}

func TestApplySetUnknownSlotIgnored(t *testing.T) {
	w, _ := newTestWorld(t)
	require.NoError(t, w.ApplySet("m1", "type", "RectangleMorph"))
	err := w.ApplySet("m1", "bogus", "whatever")
	require.Error(t, err, "unknown slots report an error so callers can count the skip")
	m, err := w.Get("m1")
	require.NoError(t, err)
	require.Equal(t, "RectangleMorph", m.Kind)
}

func TestApplySetMalformedValueReturnsError(t *testing.T) {
	w, _ := newTestWorld(t)
	require.NoError(t, w.ApplySet("m1", "type", "RectangleMorph"))
	require.Error(t, w.ApplySet("m1", "position", "not-a-tuple"))
}
