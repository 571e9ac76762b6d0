// Package store defines the list and hash primitives the queue is built on,
// with in-memory and Redis backends.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrClosed = errors.New("store is closed")

// Index values recorded for every id a queue knows.
const (
	IndexPending    = "pending"
	IndexProcessing = "processing"
	IndexDeadLetter = "dead_letter"
)

// Entry is a pending entry taken by Claim. ID is empty when the entry had
// no readable id and went to the dead letter tail instead.
type Entry struct {
	ID    string
	Value string
}

func (e Entry) Corrupt() bool {
	return e.ID == ""
}

// Store is a key/value backend with FIFO lists and string hashes. Each call
// is atomic on its own. The queue transitions below are atomic for every
// client of the backend, so queues in separate processes can share one
// store.
type Store interface {
	// Append pushes value onto the tail of list.
	Append(ctx context.Context, list, value string) error
	// PopHead removes and returns the head of list. ok is false when the
	// list is empty.
	PopHead(ctx context.Context, list string) (value string, ok bool, err error)
	// Range returns the inclusive slice [start, stop] of list. Negative
	// indexes count from the tail, as in Redis LRANGE.
	Range(ctx context.Context, list string, start, stop int64) ([]string, error)
	ListLen(ctx context.Context, list string) (int64, error)

	HashSet(ctx context.Context, hash, field, value string) error
	HashGet(ctx context.Context, hash, field string) (value string, ok bool, err error)
	// HashDelete reports whether field existed.
	HashDelete(ctx context.Context, hash, field string) (bool, error)
	HashLen(ctx context.Context, hash string) (int64, error)

	// Push reserves id in the index as pending and appends value to the
	// pending tail. It reports false, writing nothing, when id is already
	// indexed.
	Push(ctx context.Context, k Keys, id, value string) (bool, error)
	// Claim pops the pending head into processing under its id.
	Claim(ctx context.Context, k Keys) (entry Entry, ok bool, err error)
	// Complete removes id from processing and from the index. It reports
	// false when id was not processing.
	Complete(ctx context.Context, k Keys, id string) (bool, error)
	// Move takes id out of processing if its entry still equals expected,
	// appends value to the list for state and records state in the index.
	// state is IndexPending or IndexDeadLetter.
	Move(ctx context.Context, k Keys, id, expected, value, state string) (bool, error)

	// DeleteAll removes the given keys, lists and hashes alike.
	DeleteAll(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Keys names the store keys backing one queue.
type Keys struct {
	Pending    string
	Processing string
	DeadLetter string
	Index      string
}

func NewKeys(prefix, queue string) Keys {
	base := queue
	if prefix != "" {
		base = prefix + ":" + queue
	}
	return Keys{
		Pending:    base + ":pending",
		Processing: base + ":processing",
		DeadLetter: base + ":dead_letter",
		Index:      base + ":index",
	}
}

func (k Keys) All() []string {
	return []string{k.Pending, k.Processing, k.DeadLetter, k.Index}
}

// ListFor returns the list holding entries in state.
func (k Keys) ListFor(state string) (string, error) {
	switch state {
	case IndexPending:
		return k.Pending, nil
	case IndexDeadLetter:
		return k.DeadLetter, nil
	default:
		return "", fmt.Errorf("no list for state %q", state)
	}
}

// entryID reads the id of an encoded message. It must agree with the id
// check in claimScript.
func entryID(value string) string {
	var head struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal([]byte(value), &head); err != nil {
		return ""
	}
	id, _ := head.ID.(string)
	return id
}
