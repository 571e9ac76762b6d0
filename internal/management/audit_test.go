package management

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relayq/internal/testinfra"
	"relayq/pkg/migrations"
	"relayq/pkg/models"
)

func TestMongoAuditLogger(t *testing.T) {
	db := testinfra.Mongo(t, "relayq_test")
	ctx := context.Background()
	require.NoError(t, migrations.EnsureAuditCollection(ctx, db, "operator_audit"))

	audit := NewAuditLogger(db, "operator_audit")
	actions := []string{models.EventTypeMessageEnqueued, models.EventTypeMessageNacked, models.EventTypeQueueDrained}
	for i, action := range actions {
		require.NoError(t, audit.LogAction(ctx, AuditLogEntry{
			Action:    action,
			Queue:     "orders",
			MessageID: "m-1",
			ChangedBy: "alice",
			Timestamp: fixedNow.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, audit.LogAction(ctx, AuditLogEntry{Action: models.EventTypeQueueDrained, Queue: "payments"}))

	entries, err := audit.ListActions(ctx, "orders", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.EventTypeQueueDrained, entries[0].Action)
	assert.Equal(t, models.EventTypeMessageNacked, entries[1].Action)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "alice", entries[0].ChangedBy)

	all, err := audit.ListActions(ctx, "payments", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].Timestamp.IsZero())
}
