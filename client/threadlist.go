package client

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ThreadList is a local mirror of the caller's thread list, ordered by
// latest activity. Pages from ListThreads and push-style updates (a thread
// returned by OpenDirect, a summary refreshed after a send) merge through
// Upsert.
type ThreadList struct {
	mu      sync.Mutex
	threads map[uuid.UUID]Thread
}

// NewThreadList creates an empty mirror.
func NewThreadList() *ThreadList {
	return &ThreadList{threads: map[uuid.UUID]Thread{}}
}

// Upsert merges one thread summary into the mirror. A stale summary (older
// UpdatedAt than the one already held) is ignored.
func (l *ThreadList) Upsert(t Thread) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.threads[t.ID]; ok && held.UpdatedAt.After(t.UpdatedAt) {
		return
	}
	l.threads[t.ID] = t
}

// MergePage merges a ListThreads page into the mirror.
func (l *ThreadList) MergePage(page *ThreadPage) {
	for _, t := range page.Data {
		l.Upsert(t)
	}
}

// Remove drops a thread from the mirror (after a local soft-delete).
func (l *ThreadList) Remove(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.threads, id)
}

// Threads returns the mirrored threads ordered by UpdatedAt descending.
func (l *ThreadList) Threads() []Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Thread, 0, len(l.threads))
	for _, t := range l.threads {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// TotalUnread sums unread counters across unmuted threads.
func (l *ThreadList) TotalUnread() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, t := range l.threads {
		if !t.Muted {
			total += t.Unread
		}
	}
	return total
}
