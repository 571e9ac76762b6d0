package management

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type AuditLogEntry struct {
	ID        string                 `bson:"_id" json:"id"`
	Action    string                 `bson:"action" json:"action"`
	Queue     string                 `bson:"queue" json:"queue"`
	MessageID string                 `bson:"message_id,omitempty" json:"message_id,omitempty"`
	ChangedBy string                 `bson:"changed_by" json:"changed_by"`
	IPAddress string                 `bson:"ip_address,omitempty" json:"ip_address,omitempty"`
	Details   map[string]interface{} `bson:"details,omitempty" json:"details,omitempty"`
	Timestamp time.Time              `bson:"timestamp" json:"timestamp"`
}

type AuditLogger interface {
	LogAction(ctx context.Context, entry AuditLogEntry) error
	ListActions(ctx context.Context, queue string, limit int) ([]AuditLogEntry, error)
}

// MongoAuditLogger stores operator actions, newest first on read.
type MongoAuditLogger struct {
	collection *mongo.Collection
}

func NewAuditLogger(db *mongo.Database, collection string) *MongoAuditLogger {
	return &MongoAuditLogger{collection: db.Collection(collection)}
}

func (a *MongoAuditLogger) LogAction(ctx context.Context, entry AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	if _, err := a.collection.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to log audit entry: %w", err)
	}
	return nil
}

func (a *MongoAuditLogger) ListActions(ctx context.Context, queue string, limit int) ([]AuditLogEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := a.collection.Find(ctx, bson.M{"queue": queue}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer cursor.Close(ctx)

	entries := make([]AuditLogEntry, 0)
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode audit entries: %w", err)
	}
	return entries, nil
}
