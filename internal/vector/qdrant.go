package vector

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/hyperjump/pagelens/internal/models"
)

const (
	payloadSession  = "session_id"
	payloadDocument = "document_id"
	payloadPage     = "page_index"
)

// pointsAPI is the subset of pb.PointsClient used by QdrantIndex.
type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeletePoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Query(ctx context.Context, in *pb.QueryPoints, opts ...grpc.CallOption) (*pb.QueryResponse, error)
	Count(ctx context.Context, in *pb.CountPoints, opts ...grpc.CallOption) (*pb.CountResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

// collectionsAPI is the subset of pb.CollectionsClient used by QdrantIndex.
type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantIndex stores pages as multivector points in a Qdrant collection configured
// with the MaxSim comparator. Scoring happens server-side with the same semantics as MaxSim.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
	apiKey      string
}

// QdrantOptions configures a QdrantIndex connection.
type QdrantOptions struct {
	Addr       string
	APIKey     string
	Collection string
	UseTLS     bool
}

// NewQdrantIndex connects to Qdrant over gRPC and ensures the collection exists.
func NewQdrantIndex(ctx context.Context, opts QdrantOptions, dimensions int) (*QdrantIndex, error) {
	creds := insecure.NewCredentials()
	if opts.UseTLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	conn, err := grpc.NewClient(opts.Addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("vector: dial qdrant %s: %w", opts.Addr, err)
	}
	q := &QdrantIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  opts.Collection,
		apiKey:      opts.APIKey,
	}
	if err := q.EnsureCollection(ctx, dimensions); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return q, nil
}

func newQdrantWithClients(points pointsAPI, collections collectionsAPI, collection string) *QdrantIndex {
	return &QdrantIndex{points: points, collections: collections, collection: collection}
}

// Type returns the index type identifier.
func (q *QdrantIndex) Type() string {
	return string(IndexTypeQdrant)
}

func (q *QdrantIndex) auth(ctx context.Context) context.Context {
	if q.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "api-key", q.apiKey)
}

// EnsureCollection creates the multivector collection and its session_id payload index if missing.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dimensions int) error {
	ctx = q.auth(ctx)
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
					Size:     uint64(dimensions),
					Distance: pb.Distance_Cosine,
					MultivectorConfig: &pb.MultiVectorConfig{
						Comparator: pb.MultiVectorComparator_MaxSim,
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: create collection %s: %w", q.collection, err)
	}

	for _, field := range []string{payloadSession, payloadDocument} {
		_, err = q.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
			CollectionName: q.collection,
			Wait:           pb.PtrOf(true),
			FieldName:      field,
			FieldType:      pb.PtrOf(pb.FieldType_FieldTypeKeyword),
		})
		if err != nil {
			return fmt.Errorf("vector: index payload field %s: %w", field, err)
		}
	}
	return nil
}

// PointID returns the deterministic point ID of a page, so re-upserts overwrite.
func PointID(sessionID, documentID string, pageIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s/%s/%d", sessionID, documentID, pageIndex))).String()
}

// Upsert writes page multivectors and waits for the write to be applied.
func (q *QdrantIndex) Upsert(ctx context.Context, embeddings []models.PageEmbedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	points := make([]*pb.PointStruct, len(embeddings))
	for i, e := range embeddings {
		if len(e.Vectors) == 0 {
			return fmt.Errorf("vector: page %s/%d has no vectors", e.DocumentID, e.PageIndex)
		}
		points[i] = &pb.PointStruct{
			Id: &pb.PointId{
				PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(e.SessionID, e.DocumentID, e.PageIndex)},
			},
			Vectors: pb.NewVectorsMulti(e.Vectors),
			Payload: map[string]*pb.Value{
				payloadSession:  {Kind: &pb.Value_StringValue{StringValue: e.SessionID}},
				payloadDocument: {Kind: &pb.Value_StringValue{StringValue: e.DocumentID}},
				payloadPage:     {Kind: &pb.Value_IntegerValue{IntegerValue: int64(e.PageIndex)}},
			},
		}
	}
	_, err := q.points.Upsert(q.auth(ctx), &pb.UpsertPoints{
		CollectionName: q.collection,
		Wait:           pb.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vector: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search runs a multivector nearest query filtered to the session (and documents, when given).
// Ties on the boundary of k are cut by Qdrant before sortTies sees them.
func (q *QdrantIndex) Search(ctx context.Context, query [][]float32, filter Filter, k int) ([]Result, error) {
	if filter.SessionID == "" {
		return nil, fmt.Errorf("vector: search requires a session filter")
	}
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}
	if filter.DocumentIDs != nil && len(filter.DocumentIDs) == 0 {
		return nil, nil
	}
	must := []*pb.Condition{fieldMatch(payloadSession, filter.SessionID)}
	if filter.DocumentIDs != nil {
		must = append(must, fieldMatchAny(payloadDocument, filter.DocumentIDs))
	}
	resp, err := q.points.Query(q.auth(ctx), &pb.QueryPoints{
		CollectionName: q.collection,
		Query:          pb.NewQueryMulti(query),
		Filter:         &pb.Filter{Must: must},
		Limit:          pb.PtrOf(uint64(k)),
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if err != nil {
		return nil, fmt.Errorf("vector: query: %w", err)
	}
	results := make([]Result, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		payload := p.GetPayload()
		results = append(results, Result{
			SessionID:  payload[payloadSession].GetStringValue(),
			DocumentID: payload[payloadDocument].GetStringValue(),
			PageIndex:  int(payload[payloadPage].GetIntegerValue()),
			Score:      float64(p.GetScore()),
		})
	}
	sortTies(results, filter.DocumentIDs)
	return results, nil
}

// sortTies orders equal scores the way the memory index does: by the document's position in
// documentIDs, which callers pass in commit order, then by page index. Qdrant itself leaves
// the order of ties unspecified.
func sortTies(results []Result, documentIDs []string) {
	rank := make(map[string]int, len(documentIDs))
	for i, id := range documentIDs {
		rank[id] = i
	}
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if ra, rb := rank[a.DocumentID], rank[b.DocumentID]; ra != rb {
			return ra < rb
		}
		return a.PageIndex < b.PageIndex
	})
}

// DeleteDocument removes every point of a document.
func (q *QdrantIndex) DeleteDocument(ctx context.Context, sessionID, documentID string) error {
	return q.deleteWhere(ctx, fieldMatch(payloadSession, sessionID), fieldMatch(payloadDocument, documentID))
}

// DeleteSession removes every point of a session.
func (q *QdrantIndex) DeleteSession(ctx context.Context, sessionID string) error {
	return q.deleteWhere(ctx, fieldMatch(payloadSession, sessionID))
}

func (q *QdrantIndex) deleteWhere(ctx context.Context, must ...*pb.Condition) error {
	_, err := q.points.Delete(q.auth(ctx), &pb.DeletePoints{
		CollectionName: q.collection,
		Wait:           pb.PtrOf(true),
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{Must: must},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("vector: delete points: %w", err)
	}
	return nil
}

// Count returns the exact number of points in the collection.
func (q *QdrantIndex) Count(ctx context.Context) (int, error) {
	resp, err := q.points.Count(q.auth(ctx), &pb.CountPoints{
		CollectionName: q.collection,
		Exact:          pb.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("vector: count points: %w", err)
	}
	return int(resp.GetResult().GetCount()), nil
}

// Close closes the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keyword{Keyword: value},
				},
			},
		},
	}
}

func fieldMatchAny(key string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{
					MatchValue: &pb.Match_Keywords{Keywords: &pb.RepeatedStrings{Strings: values}},
				},
			},
		},
	}
}
