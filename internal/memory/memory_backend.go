package memory

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"telos/internal/hv"
)

// VectorBackend is an optional external ANN accelerator for corpora
// too large for the built-in brute-force cosine scan in Search/Cleanup
// to cover comfortably. It is purely additive: when unset, Index
// scores every live entry directly.
type VectorBackend interface {
	Upsert(id uint64, vector hv.Vector) error
	Search(query hv.Vector, k int) ([]uint64, error)
}

// QdrantBackend satisfies VectorBackend against a Qdrant collection.
type QdrantBackend struct {
	client     *qdrant.Client
	collection string
}

// NewQdrantBackend dials host:port and assumes collection already
// exists with the right vector size (Index owns no schema-management
// responsibility beyond this).
func NewQdrantBackend(host string, port int, collection string) (*QdrantBackend, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("memory: connect qdrant: %w", err)
	}
	return &QdrantBackend{client: client, collection: collection}, nil
}

func (b *QdrantBackend) Upsert(id uint64, vector hv.Vector) error {
	points := []*qdrant.PointStruct{
		{
			Id:      qdrant.NewIDNum(id),
			Vectors: qdrant.NewVectors(toFloat32(vector)...),
		},
	}
	_, err := b.client.Upsert(context.Background(), &qdrant.UpsertPoints{
		CollectionName: b.collection,
		Points:         points,
	})
	return err
}

func (b *QdrantBackend) Search(query hv.Vector, k int) ([]uint64, error) {
	limit := uint64(k)
	resp, err := b.client.Query(context.Background(), &qdrant.QueryPoints{
		CollectionName: b.collection,
		Query:          qdrant.NewQuery(toFloat32(query)...),
		Limit:          &limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, len(resp))
	for _, pt := range resp {
		if id := pt.GetId(); id != nil {
			out = append(out, id.GetNum())
		}
	}
	return out, nil
}

func toFloat32(v hv.Vector) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
