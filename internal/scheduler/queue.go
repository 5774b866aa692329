package scheduler

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentorch/agentorch/internal/session"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity
	ErrQueueFull = errors.New("queue is full")
)

// SpawnTicket is one queued spawn request.
type SpawnTicket struct {
	ID       string
	Priority int // higher priority admitted first
	QueuedAt time.Time
	Request  session.SpawnRequest

	index int // heap index, maintained by container/heap
}

// ticketHeap orders tickets by priority desc, then FIFO within a priority.
type ticketHeap []*SpawnTicket

func (h ticketHeap) Len() int { return len(h) }

func (h ticketHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h ticketHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *ticketHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*SpawnTicket)
	item.index = n
	*h = append(*h, item)
}

func (h *ticketHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// TicketQueue holds pending spawn tickets, one priority heap per project so
// dequeueing can rotate across projects instead of letting one busy project
// starve the rest.
type TicketQueue struct {
	mu        sync.RWMutex
	perProj   map[string]*ticketHeap
	rotation  []string // project ids in arrival order
	nextProj  int
	ticketMap map[string]*SpawnTicket
	maxSize   int
}

// NewTicketQueue creates a queue capped at maxSize tickets total; zero
// means unbounded.
func NewTicketQueue(maxSize int) *TicketQueue {
	return &TicketQueue{
		perProj:   make(map[string]*ticketHeap),
		ticketMap: make(map[string]*SpawnTicket),
		maxSize:   maxSize,
	}
}

// Enqueue adds a spawn request and returns its ticket.
func (q *TicketQueue) Enqueue(req session.SpawnRequest, priority int) (*SpawnTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxSize > 0 && len(q.ticketMap) >= q.maxSize {
		return nil, ErrQueueFull
	}

	t := &SpawnTicket{
		ID:       uuid.New().String(),
		Priority: priority,
		QueuedAt: time.Now(),
		Request:  req,
	}

	h, ok := q.perProj[req.ProjectID]
	if !ok {
		h = &ticketHeap{}
		heap.Init(h)
		q.perProj[req.ProjectID] = h
		q.rotation = append(q.rotation, req.ProjectID)
	}
	heap.Push(h, t)
	q.ticketMap[t.ID] = t
	return t, nil
}

// Dequeue pops the highest-priority ticket from the next project in the
// rotation that has one. Returns nil when the queue is empty.
func (q *TicketQueue) Dequeue() *SpawnTicket {
	q.mu.Lock()
	defer q.mu.Unlock()

	for range q.rotation {
		projectID := q.rotation[q.nextProj%len(q.rotation)]
		q.nextProj++
		h := q.perProj[projectID]
		if h.Len() == 0 {
			continue
		}
		t := heap.Pop(h).(*SpawnTicket)
		delete(q.ticketMap, t.ID)
		return t
	}
	return nil
}

// Remove drops a ticket by id.
func (q *TicketQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, exists := q.ticketMap[id]
	if !exists {
		return false
	}
	heap.Remove(q.perProj[t.Request.ProjectID], t.index)
	delete(q.ticketMap, id)
	return true
}

// Len returns the number of queued tickets.
func (q *TicketQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ticketMap)
}

// IsFull reports whether the queue is at max capacity.
func (q *TicketQueue) IsFull() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.maxSize > 0 && len(q.ticketMap) >= q.maxSize
}

// List returns all queued tickets, for the status endpoint.
func (q *TicketQueue) List() []*SpawnTicket {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*SpawnTicket, 0, len(q.ticketMap))
	for _, t := range q.ticketMap {
		out = append(out, t)
	}
	return out
}
