package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureDeadLetterCollection creates the indexes the dead-letter archive
// queries by. It is safe to run on every start.
func EnsureDeadLetterCollection(ctx context.Context, db *mongo.Database, name string) error {
	collection := db.Collection(name)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "queue", Value: 1}, {Key: "dead_lettered_at", Value: -1}},
			Options: options.Index().SetName("idx_dead_letters_queue_dead_lettered_at"),
		},
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetName("idx_dead_letters_message_id"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}

	return nil
}

// EnsureAuditCollection creates the operator audit log indexes.
func EnsureAuditCollection(ctx context.Context, db *mongo.Database, name string) error {
	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "queue", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("idx_audit_queue_timestamp"),
		},
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetName("idx_audit_message_id").SetSparse(true),
		},
	}

	if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes on %s: %w", name, err)
		}
	}
	return nil
}
