package utils

import (
	"context"
	"fmt"
	"strings"

	"github.com/Perceptus-Labs/perceptus-guide/matcher"
	"github.com/pinecone-io/go-pinecone/pinecone"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

const pineconeUpsertBatch = 100

// vectorStore is the subset of *pinecone.IndexConnection the index needs.
type vectorStore interface {
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
	DeleteVectorsById(ctx context.Context, ids []string) error
	DeleteAllVectorsInNamespace(ctx context.Context) error
}

// PineconeIndex stores task-step embeddings in a Pinecone namespace.
type PineconeIndex struct {
	conn   vectorStore
	logger *zap.Logger
}

// PineconeConfig names the index and namespace to use.
type PineconeConfig struct {
	APIKey    string
	IndexName string
	Namespace string
}

// NewPineconeIndex connects to an existing Pinecone index.
func NewPineconeIndex(ctx context.Context, config PineconeConfig, logger *zap.Logger) (*PineconeIndex, error) {
	if config.IndexName == "" {
		return nil, fmt.Errorf("PINECONE_INDEX environment variable is not set")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("PINECONE_API_KEY environment variable is not set")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: config.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Pinecone client: %w", err)
	}

	idx, err := client.DescribeIndex(ctx, config.IndexName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe index %q: %w", config.IndexName, err)
	}

	conn, err := client.Index(pinecone.NewIndexConnParams{Host: idx.Host, Namespace: config.Namespace})
	if err != nil {
		return nil, fmt.Errorf("failed to create IndexConnection for Host %v: %w", idx.Host, err)
	}
	return newPineconeIndex(conn, logger), nil
}

func newPineconeIndex(conn vectorStore, logger *zap.Logger) *PineconeIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PineconeIndex{conn: conn, logger: logger.With(zap.String("component", "pinecone"))}
}

func (p *PineconeIndex) Upsert(ctx context.Context, items []matcher.Item) error {
	for start := 0; start < len(items); start += pineconeUpsertBatch {
		end := min(start+pineconeUpsertBatch, len(items))
		batch := make([]*pinecone.Vector, 0, end-start)
		for _, it := range items[start:end] {
			meta, err := structpb.NewStruct(map[string]interface{}{"step_id": it.ID})
			if err != nil {
				return fmt.Errorf("build metadata for %s: %w", it.ID, err)
			}
			batch = append(batch, &pinecone.Vector{Id: it.ID, Values: it.Vector, Metadata: meta})
		}
		n, err := p.conn.UpsertVectors(ctx, batch)
		if err != nil {
			return fmt.Errorf("error upserting to Pinecone index: %w", err)
		}
		p.logger.Debug("Upserted step vectors", zap.Uint32("count", n))
	}
	return nil
}

func (p *PineconeIndex) Search(ctx context.Context, vector []float32, k int) ([]matcher.Hit, error) {
	queryResponse, err := p.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(k),
		IncludeValues:   false,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("error querying Pinecone index: %w", err)
	}

	hits := make([]matcher.Hit, 0, len(queryResponse.Matches))
	for _, match := range queryResponse.Matches {
		if match == nil || match.Vector == nil {
			continue
		}
		id := match.Vector.Id
		if match.Vector.Metadata != nil {
			if v, ok := match.Vector.Metadata.Fields["step_id"]; ok && v.GetStringValue() != "" {
				id = v.GetStringValue()
			}
		}
		hits = append(hits, matcher.Hit{ID: id, Score: float64(match.Score)})
	}
	return hits, nil
}

// Delete removes vectors by step id.
func (p *PineconeIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.conn.DeleteVectorsById(ctx, ids); err != nil {
		return fmt.Errorf("error deleting from Pinecone index: %w", err)
	}
	return nil
}

// Reset clears the namespace. A namespace that does not exist yet is already empty.
func (p *PineconeIndex) Reset(ctx context.Context) error {
	err := p.conn.DeleteAllVectorsInNamespace(ctx)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("error clearing Pinecone namespace: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}
