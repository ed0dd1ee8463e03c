package worker

import (
	"container/list"
	"sync"
)

type userQueue struct {
	jobs     []*job
	enqueued bool
}

// fairQueue hands out jobs one user at a time in round-robin order, so one
// user's backlog cannot starve everyone else.
type fairQueue struct {
	mu        sync.Mutex
	queues    map[int64]*userQueue
	ready     *list.List // user ids with pending jobs, next to serve at front
	positions map[int64]*list.Element
	size      int
	limit     int
	notify    chan struct{}
}

func newFairQueue(limit int) *fairQueue {
	return &fairQueue{
		queues:    make(map[int64]*userQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		limit:     limit,
		notify:    make(chan struct{}, 1),
	}
}

func (q *fairQueue) push(j *job) error {
	q.mu.Lock()
	if q.limit > 0 && q.size >= q.limit {
		q.mu.Unlock()
		return ErrQueueFull
	}
	userID := j.req.UserID
	uq := q.queues[userID]
	if uq == nil {
		uq = &userQueue{}
		q.queues[userID] = uq
	}
	uq.jobs = append(uq.jobs, j)
	q.size++
	if !uq.enqueued {
		uq.enqueued = true
		q.positions[userID] = q.ready.PushBack(userID)
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// pop takes the next job from the user at the front and moves that user to
// the back. It returns nil when nothing is queued.
func (q *fairQueue) pop() *job {
	q.mu.Lock()
	defer q.mu.Unlock()
	elem := q.ready.Front()
	if elem == nil {
		return nil
	}
	userID := elem.Value.(int64)
	uq := q.queues[userID]
	j := uq.jobs[0]
	uq.jobs = uq.jobs[1:]
	q.size--
	if len(uq.jobs) == 0 {
		uq.enqueued = false
		q.ready.Remove(elem)
		delete(q.positions, userID)
		delete(q.queues, userID)
	} else {
		q.ready.MoveToBack(elem)
	}
	return j
}

// remove drops a queued job by id.
func (q *fairQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for userID, uq := range q.queues {
		for i, j := range uq.jobs {
			if j.snap.ID != id {
				continue
			}
			uq.jobs = append(uq.jobs[:i], uq.jobs[i+1:]...)
			q.size--
			if len(uq.jobs) == 0 {
				if elem, ok := q.positions[userID]; ok {
					q.ready.Remove(elem)
					delete(q.positions, userID)
				}
				delete(q.queues, userID)
			}
			return true
		}
	}
	return false
}

// drain empties the queue and returns what was in it.
func (q *fairQueue) drain() []*job {
	var out []*job
	for {
		j := q.pop()
		if j == nil {
			return out
		}
		out = append(out, j)
	}
}

func (q *fairQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}
