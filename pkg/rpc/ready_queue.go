package rpc

type readySlot[T any] struct {
	item  T
	taken bool
}

// ReadyQueue stores items under sequential ids and hands each one out exactly
// once, in any order. Memory spans only the window between the oldest item
// not yet retrieved and the newest item pushed.
type ReadyQueue[T any] struct {
	slots   []readySlot[T]
	head    int
	firstID uint64
}

func NewReadyQueue[T any]() *ReadyQueue[T] {
	return &ReadyQueue[T]{}
}

// Push stores item and returns its id.
func (q *ReadyQueue[T]) Push(item T) uint64 {
	q.slots = append(q.slots, readySlot[T]{item: item})
	return q.firstID + uint64(len(q.slots)-q.head) - 1
}

// Produced returns the number of items ever pushed, which is also the id the
// next Push will assign.
func (q *ReadyQueue[T]) Produced() uint64 {
	return q.firstID + uint64(len(q.slots)-q.head)
}

// Len returns the size of the retained window.
func (q *ReadyQueue[T]) Len() int {
	return len(q.slots) - q.head
}

// Pop retrieves the item stored under id. It returns false if no item has been
// pushed under id yet, and panics with ErrDuplicateRetrieval if the item has
// already been retrieved.
func (q *ReadyQueue[T]) Pop(id uint64) (T, bool) {
	var zero T

	if id < q.firstID {
		duplicateRetrieval("id %d is below the window start %d", id, q.firstID)
	}
	if id >= q.Produced() {
		return zero, false
	}

	pos := q.head + int(id-q.firstID)
	slot := &q.slots[pos]
	if slot.taken {
		duplicateRetrieval("id %d", id)
	}
	item := slot.item
	slot.item = zero
	slot.taken = true

	if id == q.firstID {
		q.compact()
	}
	return item, true
}

// compact slides the window past every retrieved slot at the front.
func (q *ReadyQueue[T]) compact() {
	for q.head < len(q.slots) && q.slots[q.head].taken {
		q.head++
		q.firstID++
	}

	if q.head == len(q.slots) {
		q.slots = q.slots[:0]
		q.head = 0
		return
	}
	// reclaim the dead prefix once it dominates the backing array
	if q.head > 32 && q.head*2 >= len(q.slots) {
		n := copy(q.slots, q.slots[q.head:])
		for i := n; i < len(q.slots); i++ {
			q.slots[i] = readySlot[T]{}
		}
		q.slots = q.slots[:n]
		q.head = 0
	}
}
