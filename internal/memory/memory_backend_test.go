package memory

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"telos/internal/hv"
)

// fakeBackend is a test double for VectorBackend: Search returns a
// fixed candidate set (or an error) regardless of the query vector, so
// tests can assert Index actually narrows to what the backend reports
// instead of silently falling back to a full scan.
type fakeBackend struct {
	searchIDs []uint64
	searchErr error
	upserted  map[uint64]hv.Vector
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{upserted: map[uint64]hv.Vector{}}
}

func (f *fakeBackend) Upsert(id uint64, v hv.Vector) error {
	f.upserted[id] = v
	return nil
}

func (f *fakeBackend) Search(hv.Vector, int) ([]uint64, error) {
	return f.searchIDs, f.searchErr
}

func TestUpsertCallsVectorBackendOnAdd(t *testing.T) {
	backend := newFakeBackend()
	ix := New(hv.NewCodec(512), zerolog.Nop()).WithVectorBackend(backend)

	id := ix.AddContext("alpha")
	require.Contains(t, backend.upserted, id)
}

func TestSearchRoutesThroughVectorBackend(t *testing.T) {
	backend := newFakeBackend()
	ix := New(hv.NewCodec(512), zerolog.Nop()).WithVectorBackend(backend)

	a := ix.AddContextTagged("rockets one", []string{"space"})
	ix.AddContextTagged("rockets two", []string{"space"})
	ix.AddContextTagged("cooking", []string{"food"})

	// Only the first entry is reported as a candidate by the backend.
	backend.searchIDs = []uint64{a}

	results := ix.Search("rockets", 3)
	require.Len(t, results, 1)
	require.Equal(t, "rockets one", results[0].Entry.Text)
}

func TestSearchFallsBackWhenVectorBackendErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.searchErr = errors.New("connection refused")
	ix := New(hv.NewCodec(512), zerolog.Nop()).WithVectorBackend(backend)

	ix.AddContextTagged("rockets one", []string{"space"})
	ix.AddContextTagged("rockets two", []string{"space"})

	results := ix.Search("rockets", 3)
	require.Len(t, results, 2)
}

func TestCleanupRoutesThroughVectorBackend(t *testing.T) {
	codec := hv.NewCodec(4000)
	backend := newFakeBackend()
	ix := New(codec, zerolog.Nop()).WithVectorBackend(backend)

	a := ix.AddContext("concept one")
	ix.AddContext("concept two")

	backend.searchIDs = []uint64{a}

	noisy := codec.EncodeText("concept one")
	got, ok := ix.Cleanup(noisy)
	require.True(t, ok)
	require.Equal(t, "concept one", got.Entry.Text)
}
