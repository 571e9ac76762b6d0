package store

import (
	"context"
	"sync"
)

// MemoryStore keeps everything in process memory. It is the default
// backend for tests and single-process deployments.
type MemoryStore struct {
	mu     sync.Mutex
	lists  map[string][]string
	hashes map[string]map[string]string
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lists:  make(map[string][]string),
		hashes: make(map[string]map[string]string),
	}
}

func (s *MemoryStore) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *MemoryStore) Append(ctx context.Context, list, value string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.lists[list] = append(s.lists[list], value)
	return nil
}

func (s *MemoryStore) PopHead(ctx context.Context, list string) (string, bool, error) {
	if err := s.lock(ctx); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()

	head, ok := s.popHeadLocked(list)
	return head, ok, nil
}

func (s *MemoryStore) Range(ctx context.Context, list string, start, stop int64) ([]string, error) {
	if err := s.lock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	items := s.lists[list]
	n := int64(len(items))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop {
		return []string{}, nil
	}

	out := make([]string, stop-start+1)
	copy(out, items[start:stop+1])
	return out, nil
}

func (s *MemoryStore) ListLen(ctx context.Context, list string) (int64, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return int64(len(s.lists[list])), nil
}

func (s *MemoryStore) HashSet(ctx context.Context, hash, field, value string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.hashSetLocked(hash, field, value)
	return nil
}

func (s *MemoryStore) HashGet(ctx context.Context, hash, field string) (string, bool, error) {
	if err := s.lock(ctx); err != nil {
		return "", false, err
	}
	defer s.mu.Unlock()

	v, ok := s.hashes[hash][field]
	return v, ok, nil
}

func (s *MemoryStore) HashDelete(ctx context.Context, hash, field string) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	return s.hashDeleteLocked(hash, field), nil
}

func (s *MemoryStore) HashLen(ctx context.Context, hash string) (int64, error) {
	if err := s.lock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	return int64(len(s.hashes[hash])), nil
}

func (s *MemoryStore) hashSetLocked(hash, field, value string) {
	h, ok := s.hashes[hash]
	if !ok {
		h = make(map[string]string)
		s.hashes[hash] = h
	}
	h[field] = value
}

func (s *MemoryStore) hashDeleteLocked(hash, field string) bool {
	h := s.hashes[hash]
	if _, ok := h[field]; !ok {
		return false
	}
	delete(h, field)
	if len(h) == 0 {
		delete(s.hashes, hash)
	}
	return true
}

func (s *MemoryStore) popHeadLocked(list string) (string, bool) {
	items := s.lists[list]
	if len(items) == 0 {
		return "", false
	}
	head := items[0]
	items[0] = ""
	if len(items) == 1 {
		delete(s.lists, list)
	} else {
		s.lists[list] = items[1:]
	}
	return head, true
}

func (s *MemoryStore) Push(ctx context.Context, k Keys, id, value string) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if _, exists := s.hashes[k.Index][id]; exists {
		return false, nil
	}
	s.hashSetLocked(k.Index, id, IndexPending)
	s.lists[k.Pending] = append(s.lists[k.Pending], value)
	return true, nil
}

func (s *MemoryStore) Claim(ctx context.Context, k Keys) (Entry, bool, error) {
	if err := s.lock(ctx); err != nil {
		return Entry{}, false, err
	}
	defer s.mu.Unlock()

	value, ok := s.popHeadLocked(k.Pending)
	if !ok {
		return Entry{}, false, nil
	}
	id := entryID(value)
	if id == "" {
		s.lists[k.DeadLetter] = append(s.lists[k.DeadLetter], value)
		return Entry{Value: value}, true, nil
	}
	s.hashSetLocked(k.Processing, id, value)
	s.hashSetLocked(k.Index, id, IndexProcessing)
	return Entry{ID: id, Value: value}, true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, k Keys, id string) (bool, error) {
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if !s.hashDeleteLocked(k.Processing, id) {
		return false, nil
	}
	s.hashDeleteLocked(k.Index, id)
	return true, nil
}

func (s *MemoryStore) Move(ctx context.Context, k Keys, id, expected, value, state string) (bool, error) {
	list, err := k.ListFor(state)
	if err != nil {
		return false, err
	}
	if err := s.lock(ctx); err != nil {
		return false, err
	}
	defer s.mu.Unlock()

	if current, ok := s.hashes[k.Processing][id]; !ok || current != expected {
		return false, nil
	}
	s.hashDeleteLocked(k.Processing, id)
	s.lists[list] = append(s.lists[list], value)
	s.hashSetLocked(k.Index, id, state)
	return true, nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context, keys ...string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.lists, key)
		delete(s.hashes, key)
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
