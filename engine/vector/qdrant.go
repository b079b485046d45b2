package vector

import (
	"context"
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// QdrantIndex is the remote backend, one Qdrant collection per indexing
// collection.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	collection  string
}

// NewQdrantIndex dials addr and ensures the target collection exists with
// the given vector size, using cosine distance over the L2-normalised
// embeddings this package always stores.
func NewQdrantIndex(ctx context.Context, addr, collection string, dims int) (*QdrantIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("vector: dial qdrant %s: %w", addr, err)
	}
	q := &QdrantIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}
	if err := q.ensureCollection(ctx, dims); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// NewQdrantIndexWithClients builds a QdrantIndex over already-constructed
// clients, bypassing the gRPC dial — used by tests to inject fakes.
func NewQdrantIndexWithClients(points pb.PointsClient, collections pb.CollectionsClient, collection string) *QdrantIndex {
	return &QdrantIndex{points: points, collections: collections, collection: collection}
}

func (q *QdrantIndex) ensureCollection(ctx context.Context, dims int) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("vector: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dims),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: create collection %s: %w", q.collection, err)
	}
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(records))
	for i, r := range records {
		payload := make(map[string]*pb.Value, len(r.Payload)+1)
		payload["chunk_id"] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: r.ChunkID}}
		for k, v := range r.Payload {
			payload[k] = toQdrantValue(v)
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: r.ChunkID}},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: normalizeCopy(r.Embedding)}},
			},
			Payload: payload,
		}
	}
	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           &wait,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vector: upsert %d points: %w", len(records), err)
	}
	return nil
}

func (q *QdrantIndex) Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error) {
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: q.collection,
		Vector:         normalizeCopy(query),
		Limit:          uint64(topK),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("vector: search: %w", err)
	}
	out := make([]SearchResult, len(resp.GetResult()))
	for i, r := range resp.GetResult() {
		payload := map[string]any{}
		chunkID := r.GetId().GetUuid()
		for k, v := range r.GetPayload() {
			payload[k] = fromQdrantValue(v)
		}
		if id, ok := payload["chunk_id"].(string); ok && id != "" {
			chunkID = id
		}
		out[i] = SearchResult{ChunkID: chunkID, Score: r.GetScore(), Payload: payload}
	}
	return out, nil
}

// Save is a no-op: Qdrant upserts are durable as they land.
func (q *QdrantIndex) Save(ctx context.Context) error { return nil }

func (q *QdrantIndex) Close() error { return q.conn.Close() }

func toQdrantValue(v any) *pb.Value {
	switch tv := v.(type) {
	case string:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	default:
		return &pb.Value{Kind: &pb.Value_StringValue{StringValue: fmt.Sprint(tv)}}
	}
}

func fromQdrantValue(v *pb.Value) any {
	switch kind := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_IntegerValue:
		return kind.IntegerValue
	case *pb.Value_DoubleValue:
		return kind.DoubleValue
	case *pb.Value_BoolValue:
		return kind.BoolValue
	default:
		return nil
	}
}
