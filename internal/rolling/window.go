// Package rolling provides a fixed-capacity history that evicts its oldest
// entry when full.
package rolling

import "sync"

type Window[T any] struct {
	mu    sync.RWMutex
	items []T
	start int
	size  int
}

func NewWindow[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{items: make([]T, capacity)}
}

// Push appends v, evicting the oldest entry when the window is full.
func (w *Window[T]) Push(v T) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size < len(w.items) {
		w.items[(w.start+w.size)%len(w.items)] = v
		w.size++
		return
	}
	w.items[w.start] = v
	w.start = (w.start + 1) % len(w.items)
}

// Values returns the entries oldest first.
func (w *Window[T]) Values() []T {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]T, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.items[(w.start+i)%len(w.items)]
	}
	return out
}

func (w *Window[T]) Last() (T, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var zero T
	if w.size == 0 {
		return zero, false
	}
	return w.items[(w.start+w.size-1)%len(w.items)], true
}

func (w *Window[T]) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.size
}

func (w *Window[T]) Cap() int {
	return len(w.items)
}

func (w *Window[T]) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	var zero T
	for i := range w.items {
		w.items[i] = zero
	}
	w.start, w.size = 0, 0
}

// Number is the set of element types Mean, Min and Max work on.
type Number interface {
	~int | ~int64 | ~float64
}

func Mean[T Number](values []T) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}

func Min[T Number](values []T) T {
	var m T
	for i, v := range values {
		if i == 0 || v < m {
			m = v
		}
	}
	return m
}

func Max[T Number](values []T) T {
	var m T
	for i, v := range values {
		if i == 0 || v > m {
			m = v
		}
	}
	return m
}

// Trend scores a series by the share of consecutive increases, shifted to
// [-0.5, 0.5]. Series shorter than two points score 0.
func Trend[T Number](values []T) float64 {
	if len(values) < 2 {
		return 0
	}
	increases := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[i-1] {
			increases++
		}
	}
	return float64(increases)/float64(len(values)-1) - 0.5
}
