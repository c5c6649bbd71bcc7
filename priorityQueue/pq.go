package priorityQueue

import (
	"container/heap"
	"time"
)

// An Event is a callback scheduled to run at a point on a virtual clock.
type Event struct {
	At    time.Time // when the event fires
	Seq   uint64    // insertion order, breaks ties between equal At
	Index int       // The index of the item in the heap
	Fire  func()
}

// A PriorityQueue implements heap.Interface and holds Events.
type PriorityQueue []*Event

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	// We want Pop to give us the earliest event, not the latest
	if pq[i].At.Equal(pq[j].At) {
		return pq[i].Seq < pq[j].Seq
	}
	return pq[i].At.Before(pq[j].At)
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *PriorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*Event)
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // don't stop the GC from reclaiming the item eventually
	item.Index = -1 // for safety
	*pq = old[0 : n-1]
	return item
}

// EventQueue orders events by firing time, then by scheduling order.
type EventQueue struct {
	pq      PriorityQueue
	nextSeq uint64
}

// Schedule adds fire to run at the given time.
func (q *EventQueue) Schedule(at time.Time, fire func()) *Event {
	ev := &Event{At: at, Seq: q.nextSeq, Fire: fire}
	q.nextSeq++
	heap.Push(&q.pq, ev)
	return ev
}

// Peek returns the earliest event without removing it.
func (q *EventQueue) Peek() (*Event, bool) {
	if len(q.pq) == 0 {
		return nil, false
	}
	return q.pq[0], true
}

// PopNext removes and returns the earliest event.
func (q *EventQueue) PopNext() (*Event, bool) {
	if len(q.pq) == 0 {
		return nil, false
	}
	return heap.Pop(&q.pq).(*Event), true
}

func (q *EventQueue) Len() int { return len(q.pq) }
