package connectors

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/miradorstack/mirador-federator/internal/models"
)

// MongoConnector serves document-store capabilities from one MongoDB collection.
//
// Options: database (required), collection (required, may contain {capability}),
// search_field (regex-matched against the query text), sort_field, tenant_field.
type MongoConnector struct {
	ep          models.Endpoint
	client      *mongo.Client
	database    string
	collection  string
	searchField string
	sortField   string
	tenantField string
	mapper      recordMapper
}

// NewMongo is the factory for the mongodb kind. The driver connects lazily.
func NewMongo(ep models.Endpoint, opts Options) (Connector, error) {
	database := option(ep, "database", "")
	collection := option(ep, "collection", "")
	if database == "" || collection == "" {
		return nil, newError(ep, "init", fmt.Errorf("options database and collection are required"))
	}

	clientOpts := options.Client().ApplyURI(ep.URL)
	if opts.Timeout > 0 {
		clientOpts.SetConnectTimeout(opts.Timeout)
		clientOpts.SetServerSelectionTimeout(opts.Timeout)
	}
	client, err := mongo.Connect(context.Background(), clientOpts)
	if err != nil {
		return nil, newError(ep, "init", err)
	}

	return &MongoConnector{
		ep:          ep,
		client:      client,
		database:    database,
		collection:  collection,
		searchField: option(ep, "search_field", ""),
		sortField:   option(ep, "sort_field", ""),
		tenantField: option(ep, "tenant_field", ""),
		mapper:      recordMapper{idField: option(ep, "id_field", "_id"), updatedField: option(ep, "updated_field", defaultUpdatedField)},
	}, nil
}

// Probe pings the primary.
func (c *MongoConnector) Probe(ctx context.Context) (HealthResult, error) {
	start := time.Now()
	err := c.client.Ping(ctx, readpref.Primary())
	latency := time.Since(start)
	if err != nil {
		return HealthResult{Latency: latency}, newError(c.ep, "probe", err)
	}
	return HealthResult{Healthy: true, Latency: latency}, nil
}

// Execute runs a find with equality filters and an optional text regex.
func (c *MongoConnector) Execute(ctx context.Context, q models.SubQuery) (Result, error) {
	coll := c.client.Database(c.database).Collection(expand(c.collection, q))

	findOpts := options.Find()
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit))
	}
	if c.sortField != "" {
		findOpts.SetSort(bson.D{{Key: c.sortField, Value: -1}})
	}

	cursor, err := coll.Find(ctx, c.filter(q), findOpts)
	if err != nil {
		return Result{}, newError(c.ep, "execute", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var rows []map[string]any
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return Result{}, newError(c.ep, "execute", fmt.Errorf("decode document: %w", err))
		}
		rows = append(rows, fromBSON(doc))
	}
	if err := cursor.Err(); err != nil {
		return Result{}, newError(c.ep, "execute", err)
	}
	return Result{Records: c.mapper.records(rows, q.Limit), Endpoint: c.ep.Name}, nil
}

// Close disconnects the client.
func (c *MongoConnector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}

func (c *MongoConnector) filter(q models.SubQuery) bson.M {
	filter := bson.M{}
	for k, v := range q.Filters {
		filter[k] = v
	}
	if c.tenantField != "" && q.TenantID != "" {
		filter[c.tenantField] = q.TenantID
	}
	if c.searchField != "" && q.Text != "" {
		filter[c.searchField] = primitive.Regex{Pattern: regexp.QuoteMeta(q.Text), Options: "i"}
	}
	return filter
}

func fromBSON(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = convertBSON(v)
	}
	return out
}

func convertBSON(v any) any {
	switch val := v.(type) {
	case primitive.ObjectID:
		return val.Hex()
	case primitive.DateTime:
		return val.Time().UTC()
	case bson.M:
		return fromBSON(val)
	case bson.A:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = convertBSON(item)
		}
		return out
	case bson.D:
		out := make(map[string]any, len(val))
		for _, elem := range val {
			out[elem.Key] = convertBSON(elem.Value)
		}
		return out
	default:
		return val
	}
}
