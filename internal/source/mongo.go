package source

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/withobsrvr/searchsync/internal/model"
	"github.com/withobsrvr/searchsync/internal/utils/logger"
)

const (
	defaultConnectTimeout = 30 * time.Second
	defaultResumeAttempts = 5
	defaultResumeBackoff  = 500 * time.Millisecond
)

// MongoOptions configures the MongoDB source
type MongoOptions struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
	// ResumeAttempts bounds reopen attempts after the change stream fails
	ResumeAttempts int
	// ResumeBackoff is the first delay between reopen attempts
	ResumeBackoff time.Duration
	TLS           *tls.Config
}

// MongoSource reads documents and change events from one MongoDB collection
type MongoSource struct {
	opts   MongoOptions
	client *mongo.Client
	coll   *mongo.Collection

	// open starts a change stream at a position; tests replace it
	open func(ctx context.Context, pos Position) (changeStream, error)
}

// changeStream is the part of *mongo.ChangeStream the watch loop uses
type changeStream interface {
	Next(ctx context.Context) bool
	Event() bson.Raw
	ResumeToken() bson.Raw
	Err() error
	Close(ctx context.Context) error
}

type mongoChangeStream struct {
	*mongo.ChangeStream
}

func (m mongoChangeStream) Event() bson.Raw {
	return m.Current
}

// NewMongoSource creates a source for the configured collection. Call Open before use.
func NewMongoSource(opts MongoOptions) *MongoSource {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.ResumeAttempts <= 0 {
		opts.ResumeAttempts = defaultResumeAttempts
	}
	if opts.ResumeBackoff <= 0 {
		opts.ResumeBackoff = defaultResumeBackoff
	}
	s := &MongoSource{opts: opts}
	s.open = s.openStream
	return s
}

// Open connects, pings the primary and ensures the collection indexes
func (s *MongoSource) Open(ctx context.Context) error {
	clientOpts := options.Client().
		ApplyURI(s.opts.URI).
		SetConnectTimeout(s.opts.ConnectTimeout).
		SetServerSelectionTimeout(s.opts.ConnectTimeout)
	if s.opts.TLS != nil {
		clientOpts.SetTLSConfig(s.opts.TLS)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return fmt.Errorf("%w: connect to mongodb: %v", model.ErrConnection, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return fmt.Errorf("%w: ping mongodb: %v", model.ErrConnection, err)
	}

	s.client = client
	s.coll = client.Database(s.opts.Database).Collection(s.opts.Collection)
	logger.Success("Connected to MongoDB",
		zap.String("database", s.opts.Database),
		zap.String("collection", s.opts.Collection))

	s.ensureIndexes(ctx)
	return nil
}

func (s *MongoSource) ensureIndexes(ctx context.Context) {
	models := []mongo.IndexModel{
		{Keys: bson.D{{Key: "product", Value: 1}}},
		{Keys: bson.D{{Key: "customer", Value: 1}}},
		{Keys: bson.D{{Key: "date", Value: -1}}},
		{Keys: bson.D{
			{Key: "subject", Value: "text"},
			{Key: "body", Value: "text"},
			{Key: "product", Value: "text"},
		}},
	}

	names, err := s.coll.Indexes().CreateMany(ctx, models)
	if err != nil {
		logger.Failure("Failed to create collection indexes", err,
			zap.String("collection", s.opts.Collection))
		return
	}
	logger.Debug("Collection indexes ensured", zap.Strings("indexes", names))
}

// Mark returns the operation time of a fresh round trip to the server.
// Subscribing from the returned position replays everything committed after it.
func (s *MongoSource) Mark(ctx context.Context) (model.ClusterTime, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return model.ClusterTime{}, fmt.Errorf("failed to start session: %w", err)
	}
	defer sess.EndSession(ctx)

	err = mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
		return s.client.Database("admin").RunCommand(sc, bson.D{{Key: "ping", Value: 1}}).Err()
	})
	if err != nil {
		return model.ClusterTime{}, fmt.Errorf("failed to read operation time: %w", err)
	}

	ts := sess.OperationTime()
	if ts == nil {
		// standalone servers have no operation time; the feed starts at "now"
		logger.Warn("Source reported no operation time, change stream will start at subscription time")
		return model.ClusterTime{}, nil
	}
	return model.ClusterTime{T: ts.T, I: ts.I}, nil
}

// ListAll streams every document of the collection through a cursor
func (s *MongoSource) ListAll(ctx context.Context) iter.Seq2[model.SourceDocument, error] {
	return func(yield func(model.SourceDocument, error) bool) {
		cur, err := s.coll.Find(ctx, bson.D{})
		if err != nil {
			yield(model.SourceDocument{}, fmt.Errorf("%w: query documents: %v", model.ErrSnapshot, err))
			return
		}
		defer cur.Close(context.WithoutCancel(ctx))

		for cur.Next(ctx) {
			doc, err := decodeDocument(cur.Current)
			if !yield(doc, err) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(model.SourceDocument{}, fmt.Errorf("%w: cursor failed: %v", model.ErrSnapshot, err))
		}
	}
}

// Subscribe opens the change stream synchronously and delivers events from a goroutine
func (s *MongoSource) Subscribe(ctx context.Context, from Position, handler Handler) (Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	stream, err := s.open(subCtx, from)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	sub := &mongoSubscription{cancel: cancel, done: make(chan struct{})}
	go s.watch(subCtx, stream, from, handler, sub)

	logger.Info("Change stream opened",
		zap.String("collection", s.opts.Collection),
		zap.Bool("resume_token", len(from.ResumeToken) > 0),
		zap.Uint32("start_at", from.StartAt.T),
		logger.Outcome(logger.OutcomeInfo))
	return sub, nil
}

func (s *MongoSource) watch(ctx context.Context, stream changeStream, pos Position, handler Handler, sub *mongoSubscription) {
	defer close(sub.done)

	failures := 0
	for {
		delivered, err := s.drain(ctx, stream, handler, &pos)
		_ = stream.Close(context.Background())

		if ctx.Err() != nil {
			logger.Info("Change stream closed", logger.Outcome(logger.OutcomeInfo))
			return
		}

		if delivered > 0 {
			failures = 0
		}
		failures++
		if failures > s.opts.ResumeAttempts {
			sub.fail(fmt.Errorf("%w: %d consecutive failures, last: %v", model.ErrSubscriptionBroken, failures-1, err))
			return
		}

		logger.Warn("Change stream interrupted, resuming",
			zap.Error(err),
			zap.Bool("resume_token", len(pos.ResumeToken) > 0))

		stream, err = s.reopen(ctx, pos)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			sub.fail(fmt.Errorf("%w: %v", model.ErrSubscriptionBroken, err))
			return
		}
	}
}

// drain delivers events until the stream fails. pos advances only after the handler returns nil.
func (s *MongoSource) drain(ctx context.Context, stream changeStream, handler Handler, pos *Position) (int, error) {
	delivered := 0
	for stream.Next(ctx) {
		token := cloneBytes(stream.ResumeToken())

		event, err := decodeChangeEvent(stream.Event(), token)
		if err != nil {
			logger.Failure("Skipping malformed change event", err)
			pos.ResumeToken = token
			continue
		}

		if err := handler(ctx, event); err != nil {
			return delivered, fmt.Errorf("handler rejected event %s: %w", event.DocumentID, err)
		}
		pos.ResumeToken = token
		delivered++
	}
	if err := stream.Err(); err != nil {
		return delivered, err
	}
	return delivered, errors.New("change stream ended")
}

func (s *MongoSource) reopen(ctx context.Context, pos Position) (changeStream, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.ResumeBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.opts.ResumeAttempts)), ctx)

	var stream changeStream
	err := backoff.RetryNotify(func() error {
		cs, err := s.open(ctx, pos)
		if err != nil {
			return err
		}
		stream = cs
		return nil
	}, b, func(err error, next time.Duration) {
		logger.Warn("Failed to reopen change stream",
			zap.Error(err),
			zap.Duration("retry_in", next))
	})
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (s *MongoSource) openStream(ctx context.Context, pos Position) (changeStream, error) {
	cs, err := s.coll.Watch(ctx, mongo.Pipeline{}, streamOptions(pos))
	if err != nil {
		return nil, err
	}
	return mongoChangeStream{cs}, nil
}

// Close disconnects the client
func (s *MongoSource) Close(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect from mongodb: %w", err)
	}
	s.client = nil
	logger.Info("Disconnected from MongoDB")
	return nil
}

// Healthy pings the primary
func (s *MongoSource) Healthy(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("%w: source not open", model.ErrConnection)
	}
	return s.client.Ping(ctx, readpref.Primary())
}

var _ Source = (*MongoSource)(nil)

type mongoSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (m *mongoSubscription) Done() <-chan struct{} {
	return m.done
}

func (m *mongoSubscription) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mongoSubscription) Close() error {
	m.cancel()
	<-m.done
	return nil
}

func (m *mongoSubscription) fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	logger.Failure("Change stream broken", err)
}

func streamOptions(pos Position) *options.ChangeStreamOptions {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	switch {
	case len(pos.ResumeToken) > 0:
		opts.SetResumeAfter(bson.Raw(pos.ResumeToken))
	case !pos.StartAt.IsZero():
		opts.SetStartAtOperationTime(&primitive.Timestamp{T: pos.StartAt.T, I: pos.StartAt.I})
	}
	return opts
}

type rawDocument struct {
	ID        bson.RawValue `bson:"_id"`
	Product   bson.RawValue `bson:"product"`
	Customer  bson.RawValue `bson:"customer"`
	Subject   bson.RawValue `bson:"subject"`
	Body      bson.RawValue `bson:"body"`
	Date      bson.RawValue `bson:"date"`
	CreatedAt bson.RawValue `bson:"createdAt"`
	UpdatedAt bson.RawValue `bson:"updatedAt"`
}

type rawChangeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID bson.RawValue `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument *rawDocument `bson:"fullDocument"`
	NS           struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	ClusterTime primitive.Timestamp `bson:"clusterTime"`
}

// decodeDocument keeps the id on failure so the caller can report which
// document could not be read
func decodeDocument(raw bson.Raw) (model.SourceDocument, error) {
	var rd rawDocument
	if err := bson.Unmarshal(raw, &rd); err != nil {
		var doc model.SourceDocument
		if v, lerr := raw.LookupErr("_id"); lerr == nil {
			doc.ID, _ = idString(v)
		}
		return doc, fmt.Errorf("failed to decode document: %w", err)
	}
	return rd.toModel()
}

func (rd *rawDocument) toModel() (model.SourceDocument, error) {
	id, err := idString(rd.ID)
	if err != nil {
		return model.SourceDocument{}, err
	}
	customer, _ := idString(rd.Customer)

	doc := model.SourceDocument{
		ID:        id,
		Customer:  customer,
		Date:      timeValue(rd.Date),
		CreatedAt: timeValue(rd.CreatedAt),
		UpdatedAt: timeValue(rd.UpdatedAt),
	}
	for _, f := range []struct {
		name string
		v    bson.RawValue
		dst  *string
	}{
		{"product", rd.Product, &doc.Product},
		{"subject", rd.Subject, &doc.Subject},
		{"body", rd.Body, &doc.Body},
	} {
		text, err := textValue(f.v)
		if err != nil {
			return model.SourceDocument{ID: id}, fmt.Errorf("field %s: %w", f.name, err)
		}
		*f.dst = text
	}
	return doc, nil
}

// textValue renders scalar values as text. Missing and null values are empty.
func textValue(v bson.RawValue) (string, error) {
	switch v.Type {
	case 0, bson.TypeNull, bson.TypeUndefined:
		return "", nil
	case bson.TypeString:
		return v.StringValue(), nil
	case bson.TypeInt32:
		return strconv.FormatInt(int64(v.Int32()), 10), nil
	case bson.TypeInt64:
		return strconv.FormatInt(v.Int64(), 10), nil
	case bson.TypeDouble:
		return strconv.FormatFloat(v.Double(), 'f', -1, 64), nil
	case bson.TypeBoolean:
		return strconv.FormatBool(v.Boolean()), nil
	case bson.TypeDecimal128:
		return v.Decimal128().String(), nil
	default:
		return "", fmt.Errorf("unsupported type %s", v.Type)
	}
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"}

// timeValue reads dates stored as BSON dates, timestamps or strings.
// Anything else is treated as absent.
func timeValue(v bson.RawValue) time.Time {
	switch v.Type {
	case bson.TypeDateTime:
		return time.UnixMilli(v.DateTime()).UTC()
	case bson.TypeTimestamp:
		t, _ := v.Timestamp()
		return time.Unix(int64(t), 0).UTC()
	case bson.TypeString:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, v.StringValue()); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}

// decodeChangeEvent requires a document key for the four data operations.
// Other operation types pass through so the engine can log them.
func decodeChangeEvent(raw bson.Raw, token []byte) (model.ChangeEvent, error) {
	var re rawChangeEvent
	if err := bson.Unmarshal(raw, &re); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
	}

	event := model.ChangeEvent{
		Operation:   model.OperationType(re.OperationType),
		Namespace:   model.Namespace{Database: re.NS.DB, Collection: re.NS.Coll},
		ClusterTime: model.ClusterTime{T: re.ClusterTime.T, I: re.ClusterTime.I},
		ResumeToken: token,
	}
	if !event.Operation.Known() {
		return event, nil
	}

	id, err := idString(re.DocumentKey.ID)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("%w: %s without document key: %v", model.ErrMalformedEvent, re.OperationType, err)
	}
	event.DocumentID = id

	if re.FullDocument != nil {
		doc, err := re.FullDocument.toModel()
		if err != nil {
			return model.ChangeEvent{}, fmt.Errorf("%w: %v", model.ErrMalformedEvent, err)
		}
		event.FullDocument = &doc
	}
	return event, nil
}

// idString renders an identifier as the string used for index ids
func idString(v bson.RawValue) (string, error) {
	switch v.Type {
	case bson.TypeObjectID:
		return v.ObjectID().Hex(), nil
	case bson.TypeString:
		return v.StringValue(), nil
	case bson.TypeInt32:
		return strconv.FormatInt(int64(v.Int32()), 10), nil
	case bson.TypeInt64:
		return strconv.FormatInt(v.Int64(), 10), nil
	case 0, bson.TypeNull, bson.TypeUndefined:
		return "", errors.New("missing _id")
	default:
		return "", fmt.Errorf("unsupported _id type %s", v.Type)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
