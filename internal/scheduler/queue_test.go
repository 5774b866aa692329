package scheduler

import (
	"testing"

	"github.com/agentorch/agentorch/internal/session"
)

func TestQueuePriorityOrder(t *testing.T) {
	q := NewTicketQueue(0)

	low, _ := q.Enqueue(session.SpawnRequest{ProjectID: "a", IssueID: "low"}, 1)
	high, _ := q.Enqueue(session.SpawnRequest{ProjectID: "a", IssueID: "high"}, 10)
	mid, _ := q.Enqueue(session.SpawnRequest{ProjectID: "a", IssueID: "mid"}, 5)

	for _, want := range []*SpawnTicket{high, mid, low} {
		got := q.Dequeue()
		if got == nil || got.ID != want.ID {
			t.Fatalf("dequeued %v, want %s", got, want.Request.IssueID)
		}
	}
	if q.Dequeue() != nil {
		t.Error("queue should be empty")
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := NewTicketQueue(0)

	first, _ := q.Enqueue(session.SpawnRequest{ProjectID: "a", IssueID: "first"}, 5)
	second, _ := q.Enqueue(session.SpawnRequest{ProjectID: "a", IssueID: "second"}, 5)

	if got := q.Dequeue(); got.ID != first.ID {
		t.Errorf("dequeued %s, want first", got.Request.IssueID)
	}
	if got := q.Dequeue(); got.ID != second.ID {
		t.Errorf("dequeued %s, want second", got.Request.IssueID)
	}
}

func TestQueueRoundRobinAcrossProjects(t *testing.T) {
	q := NewTicketQueue(0)

	// project a's tickets outrank b's, but the rotation alternates anyway
	q.Enqueue(session.SpawnRequest{ProjectID: "a", IssueID: "a1"}, 10)
	q.Enqueue(session.SpawnRequest{ProjectID: "a", IssueID: "a2"}, 10)
	q.Enqueue(session.SpawnRequest{ProjectID: "b", IssueID: "b1"}, 1)

	var order []string
	for tk := q.Dequeue(); tk != nil; tk = q.Dequeue() {
		order = append(order, tk.Request.IssueID)
	}
	want := []string{"a1", "b1", "a2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestQueueFull(t *testing.T) {
	q := NewTicketQueue(2)

	q.Enqueue(session.SpawnRequest{ProjectID: "a"}, 0)
	q.Enqueue(session.SpawnRequest{ProjectID: "a"}, 0)
	if !q.IsFull() {
		t.Error("queue should be full")
	}
	if _, err := q.Enqueue(session.SpawnRequest{ProjectID: "a"}, 0); err != ErrQueueFull {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
}

func TestQueueRemove(t *testing.T) {
	q := NewTicketQueue(0)

	keep, _ := q.Enqueue(session.SpawnRequest{ProjectID: "a", IssueID: "keep"}, 5)
	drop, _ := q.Enqueue(session.SpawnRequest{ProjectID: "a", IssueID: "drop"}, 9)

	if !q.Remove(drop.ID) {
		t.Fatal("Remove returned false")
	}
	if q.Remove(drop.ID) {
		t.Error("second Remove should return false")
	}
	if got := q.Dequeue(); got == nil || got.ID != keep.ID {
		t.Errorf("dequeued %v, want keep", got)
	}
}
