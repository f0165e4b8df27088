package paramupdate

// Queue holds the handles waiting for a connection parameter update slot, in
// arrival order. A handle appears at most once.
type Queue struct {
	handles []uint16
}

// Push appends handle unless it is already queued. Returns false for a duplicate.
func (q *Queue) Push(handle uint16) bool {
	for _, h := range q.handles {
		if h == handle {
			return false
		}
	}
	q.handles = append(q.handles, handle)
	return true
}

// Pop removes and returns the oldest handle
func (q *Queue) Pop() (uint16, bool) {
	if len(q.handles) == 0 {
		return 0, false
	}
	h := q.handles[0]
	q.handles = q.handles[1:]
	return h, true
}

// Purge drops handle from the queue
func (q *Queue) Purge(handle uint16) {
	kept := q.handles[:0]
	for _, h := range q.handles {
		if h != handle {
			kept = append(kept, h)
		}
	}
	q.handles = kept
}

// Contains reports whether handle is queued
func (q *Queue) Contains(handle uint16) bool {
	for _, h := range q.handles {
		if h == handle {
			return true
		}
	}
	return false
}

// Len returns the number of queued handles
func (q *Queue) Len() int {
	return len(q.handles)
}

// Handles returns the queued handles, oldest first
func (q *Queue) Handles() []uint16 {
	return append([]uint16(nil), q.handles...)
}
