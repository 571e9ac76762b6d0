package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"relayq/pkg/models"
)

type ArchivedMessage struct {
	ID             string                 `bson:"_id" json:"archive_id"`
	MessageID      string                 `bson:"message_id" json:"id"`
	Queue          string                 `bson:"queue" json:"queue"`
	Reason         string                 `bson:"reason" json:"reason"`
	Payload        map[string]interface{} `bson:"payload" json:"payload"`
	Timestamp      time.Time              `bson:"timestamp" json:"timestamp"`
	Retries        int                    `bson:"retries" json:"retries"`
	MaxRetries     int                    `bson:"max_retries" json:"max_retries"`
	DeadLetteredAt time.Time              `bson:"dead_lettered_at" json:"dead_lettered_at"`
}

// Archive keeps a queryable history of dead-lettered messages. Entries
// outlive a queue drain.
type Archive interface {
	List(ctx context.Context, queue string, limit int) ([]ArchivedMessage, error)
	Count(ctx context.Context, queue string) (int64, error)
}

type MongoArchive struct {
	collection *mongo.Collection
}

func NewMongoArchive(db *mongo.Database, collection string) *MongoArchive {
	return &MongoArchive{collection: db.Collection(collection)}
}

func (a *MongoArchive) Name() string {
	return "mongodb"
}

func (a *MongoArchive) Deliver(ctx context.Context, msg *models.Message, rec Record) error {
	doc := ArchivedMessage{
		ID:             uuid.New().String(),
		MessageID:      msg.ID,
		Queue:          rec.Queue,
		Reason:         rec.Reason,
		Payload:        msg.Payload,
		Timestamp:      msg.Timestamp,
		Retries:        msg.Retries,
		MaxRetries:     msg.MaxRetries,
		DeadLetteredAt: rec.DeadLetteredAt,
	}

	if _, err := a.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to archive dead letter %s: %w", msg.ID, err)
	}
	return nil
}

// List returns the newest entries for queue first.
func (a *MongoArchive) List(ctx context.Context, queue string, limit int) ([]ArchivedMessage, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "dead_lettered_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := a.collection.Find(ctx, bson.M{"queue": queue}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	var out []ArchivedMessage
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode dead letters: %w", err)
	}
	return out, nil
}

func (a *MongoArchive) Count(ctx context.Context, queue string) (int64, error) {
	n, err := a.collection.CountDocuments(ctx, bson.M{"queue": queue})
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}
