package queue

import (
	"context"
	"io"
	"sync"

	"github.com/h2a-dev/genq/internal/model"
)

// hub fans out task snapshots to the subscribers of each task.
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func newHub() *hub { return &hub{subs: map[string]map[*subscriber]struct{}{}} }

// subscriber keeps only the latest unread snapshot, intermediate snapshots are
// coalesced so a slow reader never blocks a task loop and never misses the
// final state.
type subscriber struct {
	mu      sync.Mutex
	pending *model.Task
	notify  chan struct{}
}

func (s *subscriber) offer(t model.Task) {
	s.mu.Lock()
	s.pending = &t
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) take() (model.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil {
		return model.Task{}, false
	}
	t := *s.pending
	s.pending = nil
	return t, true
}

func (h *hub) subscribe(taskID string) (*subscriber, func()) {
	sub := &subscriber{notify: make(chan struct{}, 1)}

	h.mu.Lock()
	set := h.subs[taskID]
	if set == nil {
		set = map[*subscriber]struct{}{}
		h.subs[taskID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	unsubscribe := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[taskID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, taskID)
			}
		}
	}
	return sub, unsubscribe
}

func (h *hub) publish(t model.Task) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[t.ID] {
		sub.offer(t.Clone())
	}
}

// Subscription is a lazy, finite and non restartable sequence of snapshots of
// a single task. The first snapshot is the state at subscription time, the
// sequence ends after the terminal snapshot. Tasks that nothing drives only
// get the first snapshot.
type Subscription struct {
	sub         *subscriber
	unsubscribe func()
	once        sync.Once
	single      bool
	done        bool
}

// singleSubscription returns a subscription that yields t and ends.
func singleSubscription(t model.Task) *Subscription {
	sub := &subscriber{notify: make(chan struct{}, 1)}
	sub.offer(t)
	return &Subscription{sub: sub, unsubscribe: func() {}, single: true}
}

// Next blocks until a new snapshot is available. It returns io.EOF after the
// terminal snapshot has been returned.
func (s *Subscription) Next(ctx context.Context) (model.Task, error) {
	if s.done {
		return model.Task{}, io.EOF
	}

	for {
		if t, ok := s.sub.take(); ok {
			if t.IsTerminal() || s.single {
				s.done = true
				s.Close()
			}
			return t, nil
		}

		select {
		case <-ctx.Done():
			return model.Task{}, ctx.Err()
		case <-s.sub.notify:
		}
	}
}

// Close stops receiving snapshots. It's safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.unsubscribe)
}
