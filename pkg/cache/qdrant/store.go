// Package qdrant stores a cache layer as points in a Qdrant collection.
// Several layers may share one collection; points carry their layer in the
// payload and every request filters on it.
package qdrant

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/Siddhant-K-code/ctxcache/pkg/cache"
)

// Config holds Qdrant connection settings.
type Config struct {
	Host       string
	GRPCPort   int
	APIKey     string
	UseTLS     bool
	Collection string

	// Dimension is used when the collection has to be created.
	Dimension int

	// PageSize bounds scroll pages.
	PageSize uint32
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:       "localhost",
		GRPCPort:   6334,
		Collection: "ctxcache",
		PageSize:   256,
	}
}

// Payload field names.
const (
	fLayer       = "layer"
	fKey         = "key"
	fEntryID     = "entry_id"
	fValue       = "value_json"
	fMetadata    = "metadata_json"
	fCreated     = "created_at"
	fExpires     = "expires_at"
	fExpiresSec  = "expires_at_s"
	fAccessed    = "last_accessed_at"
	fAccessCount = "access_count"
	fSession     = "session_id"
	fImportance  = "importance"
	fContextType = "context_type"
)

// Store is a cache.Backend over a Qdrant collection.
type Store struct {
	cfg         Config
	conn        *grpc.ClientConn
	points      pb.PointsClient
	collections pb.CollectionsClient
	layer       string
}

// Open dials Qdrant and makes sure the collection exists.
func Open(ctx context.Context, cfg Config, layer string) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("qdrant host is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("qdrant collection is required")
	}
	if cfg.GRPCPort <= 0 {
		cfg.GRPCPort = 6334
	}

	var opts []grpc.DialOption
	if cfg.UseTLS {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)
	conn, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, cache.Unavailable(fmt.Errorf("connect to qdrant at %s: %w", addr, err))
	}

	s := New(conn, cfg, layer)
	if err := s.EnsureCollection(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// New builds a store on an existing connection.
func New(conn *grpc.ClientConn, cfg Config, layer string) *Store {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultConfig().PageSize
	}
	return &Store{
		cfg:         cfg,
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		layer:       layer,
	}
}

func (s *Store) auth(ctx context.Context) context.Context {
	if s.cfg.APIKey != "" {
		return metadata.AppendToOutgoingContext(ctx, "api-key", s.cfg.APIKey)
	}
	return ctx
}

// EnsureCollection creates the collection with cosine distance if missing.
func (s *Store) EnsureCollection(ctx context.Context) error {
	ctx = s.auth(ctx)
	list, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return cache.Unavailable(fmt.Errorf("list collections: %w", err))
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == s.cfg.Collection {
			return nil
		}
	}
	if s.cfg.Dimension <= 0 {
		return fmt.Errorf("qdrant collection %q missing and no dimension configured", s.cfg.Collection)
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(s.cfg.Dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return cache.Unavailable(fmt.Errorf("create collection: %w", err))
	}
	return nil
}

// pointID derives a stable UUID for key within the layer.
func (s *Store) pointID(key string) *pb.PointId {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("ctxcache/"+s.layer+"/"+key))
	return &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id.String()}}
}

func withAll() (*pb.WithPayloadSelector, *pb.WithVectorsSelector) {
	return &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		&pb.WithVectorsSelector{SelectorOptions: &pb.WithVectorsSelector_Enable{Enable: true}}
}

func (s *Store) fetch(ctx context.Context, key string) (*cache.Entry, error) {
	payload, vectors := withAll()
	resp, err := s.points.Get(s.auth(ctx), &pb.GetPoints{
		CollectionName: s.cfg.Collection,
		Ids:            []*pb.PointId{s.pointID(key)},
		WithPayload:    payload,
		WithVectors:    vectors,
	})
	if err != nil {
		return nil, cache.Unavailable(fmt.Errorf("get point: %w", err))
	}
	if len(resp.GetResult()) == 0 {
		return nil, cache.ErrNotFound
	}
	p := resp.GetResult()[0]
	var vec []float32
	if p.Vectors != nil {
		if v := p.Vectors.GetVector(); v != nil {
			vec = v.Data
		}
	}
	return decodePoint(p.GetPayload(), vec)
}

// Get returns the point for key.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	return s.fetch(ctx, key)
}

// Put upserts the point. Qdrant has no conditional upsert, so id and
// access_count are carried over from a preceding read.
func (s *Store) Put(ctx context.Context, e *cache.Entry) (bool, error) {
	if !e.HasEmbedding() {
		return false, cache.Validationf("qdrant backend requires an embedding")
	}

	stored := e.Clone()
	created := true
	old, err := s.fetch(ctx, e.Key)
	switch {
	case err == nil:
		created = false
		stored.ID = old.ID
		stored.AccessCount = old.AccessCount
	case !errors.Is(err, cache.ErrNotFound):
		return false, err
	default:
		stored.AccessCount = 0
	}

	payload, err := encodePayload(s.layer, stored)
	if err != nil {
		return false, err
	}

	wait := true
	_, err = s.points.Upsert(s.auth(ctx), &pb.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points: []*pb.PointStruct{{
			Id: s.pointID(e.Key),
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: stored.Embedding}},
			},
			Payload: payload,
		}},
	})
	if err != nil {
		return false, cache.Unavailable(fmt.Errorf("upsert point: %w", err))
	}
	return created, nil
}

// Touch rewrites the access fields of an existing point.
func (s *Store) Touch(ctx context.Context, key string, at time.Time) (*cache.Entry, error) {
	e, err := s.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	e.AccessCount++
	e.LastAccessedAt = at

	wait := true
	_, err = s.points.SetPayload(s.auth(ctx), &pb.SetPayloadPoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Payload: map[string]*pb.Value{
			fAccessCount: intValue(e.AccessCount),
			fAccessed:    intValue(nanos(at)),
		},
		PointsSelector: s.idSelector(key),
	})
	if err != nil {
		if _, gerr := s.fetch(ctx, key); errors.Is(gerr, cache.ErrNotFound) {
			return nil, cache.ErrNotFound
		}
		return nil, cache.Unavailable(fmt.Errorf("set payload: %w", err))
	}
	return e, nil
}

// Delete removes the point for key.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if _, err := s.fetch(ctx, key); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := s.deleteWhere(ctx, s.idSelector(key)); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteExpired deletes by a filter that re-checks the expiry server side,
// so a point rewritten after the read survives.
func (s *Store) DeleteExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	e, err := s.fetch(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !e.ExpiredAt(now) {
		return false, nil
	}

	filter := s.expiredFilter(now)
	filter.Must = append(filter.Must, keywordCondition(fKey, key))
	if err := s.deleteWhere(ctx, filterSelector(filter)); err != nil {
		return false, err
	}
	return true, nil
}

// PurgeExpired counts then deletes every expired point of the layer.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	filter := s.expiredFilter(now)
	n, err := s.count(ctx, filter)
	if err != nil || n == 0 {
		return 0, err
	}
	if err := s.deleteWhere(ctx, filterSelector(filter)); err != nil {
		return 0, err
	}
	return n, nil
}

// Scan pages through the layer with Scroll.
func (s *Store) Scan(ctx context.Context, fn func(*cache.Entry) bool) error {
	payload, vectors := withAll()
	limit := s.cfg.PageSize
	var offset *pb.PointId

	for {
		resp, err := s.points.Scroll(s.auth(ctx), &pb.ScrollPoints{
			CollectionName: s.cfg.Collection,
			Filter:         s.layerFilter(),
			Offset:         offset,
			Limit:          &limit,
			WithPayload:    payload,
			WithVectors:    vectors,
		})
		if err != nil {
			return cache.Unavailable(fmt.Errorf("scroll: %w", err))
		}

		for _, p := range resp.GetResult() {
			var vec []float32
			if p.Vectors != nil {
				if v := p.Vectors.GetVector(); v != nil {
					vec = v.Data
				}
			}
			e, err := decodePoint(p.GetPayload(), vec)
			if err != nil {
				return err
			}
			if !fn(e) {
				return nil
			}
		}

		offset = resp.GetNextPageOffset()
		if offset == nil {
			return nil
		}
	}
}

// Count returns the exact number of points in the layer.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.count(ctx, s.layerFilter())
}

// Clear deletes every point of the layer.
func (s *Store) Clear(ctx context.Context) (int, error) {
	n, err := s.Count(ctx)
	if err != nil || n == 0 {
		return 0, err
	}
	if err := s.deleteWhere(ctx, filterSelector(s.layerFilter())); err != nil {
		return 0, err
	}
	return n, nil
}

// Nearest runs a cosine search restricted to the layer.
func (s *Store) Nearest(ctx context.Context, query []float32, limit int) ([]*cache.Entry, error) {
	payload, vectors := withAll()
	resp, err := s.points.Search(s.auth(ctx), &pb.SearchPoints{
		CollectionName: s.cfg.Collection,
		Vector:         query,
		Filter:         s.layerFilter(),
		Limit:          uint64(limit),
		WithPayload:    payload,
		WithVectors:    vectors,
	})
	if err != nil {
		return nil, cache.Unavailable(fmt.Errorf("search: %w", err))
	}

	out := make([]*cache.Entry, 0, len(resp.GetResult()))
	for _, p := range resp.GetResult() {
		var vec []float32
		if p.Vectors != nil {
			if v := p.Vectors.GetVector(); v != nil {
				vec = v.Data
			}
		}
		e, err := decodePoint(p.GetPayload(), vec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases the connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Store) count(ctx context.Context, filter *pb.Filter) (int, error) {
	exact := true
	resp, err := s.points.Count(s.auth(ctx), &pb.CountPoints{
		CollectionName: s.cfg.Collection,
		Filter:         filter,
		Exact:          &exact,
	})
	if err != nil {
		return 0, cache.Unavailable(fmt.Errorf("count: %w", err))
	}
	return int(resp.GetResult().GetCount()), nil
}

func (s *Store) deleteWhere(ctx context.Context, sel *pb.PointsSelector) error {
	wait := true
	_, err := s.points.Delete(s.auth(ctx), &pb.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           &wait,
		Points:         sel,
	})
	if err != nil {
		return cache.Unavailable(fmt.Errorf("delete points: %w", err))
	}
	return nil
}

func (s *Store) idSelector(key string) *pb.PointsSelector {
	return &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Points{
			Points: &pb.PointsIdsList{Ids: []*pb.PointId{s.pointID(key)}},
		},
	}
}

func filterSelector(f *pb.Filter) *pb.PointsSelector {
	return &pb.PointsSelector{
		PointsSelectorOneOf: &pb.PointsSelector_Filter{Filter: f},
	}
}

func (s *Store) layerFilter() *pb.Filter {
	return &pb.Filter{Must: []*pb.Condition{keywordCondition(fLayer, s.layer)}}
}

// expiredFilter matches points whose expiry is set and not after now.
func (s *Store) expiredFilter(now time.Time) *pb.Filter {
	gt := 0.0
	lte := float64(now.UnixNano()) / 1e9
	f := s.layerFilter()
	f.Must = append(f.Must, &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   fExpiresSec,
				Range: &pb.Range{Gt: &gt, Lte: &lte},
			},
		},
	})
	return f
}

func keywordCondition(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func stringValue(v string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
}

func intValue(v int64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: v}}
}

func doubleValue(v float64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: v}}
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func encodePayload(layer string, e *cache.Entry) (map[string]*pb.Value, error) {
	value, err := json.Marshal(e.Value)
	if err != nil {
		return nil, cache.Validationf("value is not serializable: %v", err)
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, cache.Validationf("metadata is not serializable: %v", err)
	}

	expiresSec := 0.0
	if !e.ExpiresAt.IsZero() {
		expiresSec = float64(e.ExpiresAt.UnixNano()) / 1e9
	}

	return map[string]*pb.Value{
		fLayer:       stringValue(layer),
		fKey:         stringValue(e.Key),
		fEntryID:     stringValue(e.ID),
		fValue:       stringValue(string(value)),
		fMetadata:    stringValue(string(meta)),
		fCreated:     intValue(nanos(e.CreatedAt)),
		fExpires:     intValue(nanos(e.ExpiresAt)),
		fExpiresSec:  doubleValue(expiresSec),
		fAccessed:    intValue(nanos(e.LastAccessedAt)),
		fAccessCount: intValue(e.AccessCount),
		fSession:     stringValue(e.SessionID),
		fImportance:  doubleValue(e.Importance),
		fContextType: stringValue(e.ContextType),
	}, nil
}

func decodePoint(payload map[string]*pb.Value, vec []float32) (*cache.Entry, error) {
	e := &cache.Entry{
		ID:             payload[fEntryID].GetStringValue(),
		Key:            payload[fKey].GetStringValue(),
		CreatedAt:      fromNanos(payload[fCreated].GetIntegerValue()),
		ExpiresAt:      fromNanos(payload[fExpires].GetIntegerValue()),
		LastAccessedAt: fromNanos(payload[fAccessed].GetIntegerValue()),
		AccessCount:    payload[fAccessCount].GetIntegerValue(),
		SessionID:      payload[fSession].GetStringValue(),
		Importance:     payload[fImportance].GetDoubleValue(),
		ContextType:    payload[fContextType].GetStringValue(),
	}
	if len(vec) > 0 {
		e.Embedding = append([]float32(nil), vec...)
	}
	if raw := payload[fValue].GetStringValue(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
	}
	if raw := payload[fMetadata].GetStringValue(); raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return e, nil
}
