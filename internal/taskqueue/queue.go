package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"instrumentq/internal/domain"
)

// Sentinel errors returned by queue operations.
var (
	ErrEmpty           = errors.New("queue is empty")
	ErrIndexOutOfRange = errors.New("queue index out of range")
	ErrUUIDNotFound    = errors.New("uuid not in queue")
	ErrNotPermutation  = errors.New("ordering is not a permutation of the pending uuids")
	ErrClosed          = errors.New("queue is closed")
)

// TaskQueue is an ordered, mutable list of pending packages. All methods are
// safe for concurrent use; a single mutex guards the list and Get waits on a
// condition tied to that mutex. A nil entry is the shutdown sentinel.
type TaskQueue struct {
	mu        sync.Mutex
	notEmpty  *sync.Cond
	items     []*domain.Package
	iteration uint64
	closed    bool
}

func New() *TaskQueue {
	q := &TaskQueue{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Put inserts p at position. Positions past the end append; negative positions
// insert at the front.
func (q *TaskQueue) Put(p *domain.Package, position int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insert(p, position)
	q.notEmpty.Signal()
}

// Append inserts p at the end of the queue.
func (q *TaskQueue) Append(p *domain.Package) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insert(p, len(q.items))
	q.notEmpty.Signal()
}

// PutSentinel pushes the shutdown marker.
func (q *TaskQueue) PutSentinel(position int) {
	q.Put(nil, position)
}

// TryPut is Put for producers. It fails with ErrClosed once Close was called.
// A nil position appends.
func (q *TaskQueue) TryPut(p *domain.Package, position *int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	pos := len(q.items)
	if position != nil {
		pos = *position
	}
	q.insert(p, pos)
	q.notEmpty.Signal()
	return nil
}

// Close pushes the shutdown sentinel to the front. Later TryPut calls fail and
// nothing can be placed ahead of the sentinel.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.insert(nil, 0)
	q.notEmpty.Signal()
}

// Requeue returns a taken package to the head of the queue, behind the
// shutdown sentinel once the queue is closed.
func (q *TaskQueue) Requeue(p *domain.Package) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insert(p, q.floor())
	q.notEmpty.Signal()
}

// floor is the lowest index a package may occupy.
func (q *TaskQueue) floor() int {
	if !q.closed {
		return 0
	}
	return slices.Index(q.items, nil) + 1
}

func (q *TaskQueue) insert(p *domain.Package, position int) {
	position = max(0, min(position, len(q.items)))
	q.items = append(q.items, nil)
	copy(q.items[position+1:], q.items[position:])
	q.items[position] = p
	q.iteration++
}

// Get removes and returns the head of the queue, blocking until an item is
// available or ctx is done. A nil package with a nil error is the sentinel.
func (q *TaskQueue) Get(ctx context.Context) (*domain.Package, error) {
	return q.Take(ctx, nil)
}

// Take is Get with a claim hook. claim runs with the queue lock held, right
// after the head is removed, so the consumer can publish the package as
// running before any Inspect observes the shorter queue.
func (q *TaskQueue) Take(ctx context.Context, claim func(*domain.Package)) (*domain.Package, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.notEmpty.Wait()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := q.pop(0)
	if claim != nil {
		claim(p)
	}
	return p, nil
}

// TryGet is the non-blocking form of Get.
func (q *TaskQueue) TryGet() (*domain.Package, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, ErrEmpty
	}
	return q.pop(0), nil
}

func (q *TaskQueue) pop(i int) *domain.Package {
	p := q.items[i]
	q.items = append(q.items[:i], q.items[i+1:]...)
	q.iteration++
	return p
}

// Remove deletes the package at index.
func (q *TaskQueue) Remove(index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if index < 0 || index >= len(q.items) {
		return fmt.Errorf("%w: %d (size %d)", ErrIndexOutOfRange, index, len(q.items))
	}
	q.pop(index)
	return nil
}

// Move relocates the package at oldIndex so that it ends at newIndex. A
// newIndex past the end moves the package to the back.
func (q *TaskQueue) Move(oldIndex, newIndex int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.move(oldIndex, newIndex)
}

func (q *TaskQueue) move(oldIndex, newIndex int) error {
	if oldIndex < 0 || oldIndex >= len(q.items) {
		return fmt.Errorf("%w: %d (size %d)", ErrIndexOutOfRange, oldIndex, len(q.items))
	}
	if newIndex < 0 {
		return fmt.Errorf("%w: target %d", ErrIndexOutOfRange, newIndex)
	}
	p := q.pop(oldIndex)
	q.insert(p, max(q.floor(), min(newIndex, len(q.items))))
	return nil
}

// Replace swaps the pending list for items, which must hold exactly the
// current uuids in any order. On failure the queue is left unchanged.
func (q *TaskQueue) Replace(items []*domain.Package) error {
	uuids := make([]string, len(items))
	for i, p := range items {
		if p == nil {
			return fmt.Errorf("%w: nil package at %d", ErrNotPermutation, i)
		}
		uuids[i] = p.UUID
	}
	return q.Reorder(uuids)
}

// Reorder rearranges the pending list to follow uuids. The ordering must be a
// permutation of the pending uuids or the queue is left untouched.
func (q *TaskQueue) Reorder(uuids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(uuids) != len(q.items) {
		return fmt.Errorf("%w: got %d uuids for %d pending", ErrNotPermutation, len(uuids), len(q.items))
	}
	byUUID := make(map[string]*domain.Package, len(q.items))
	for _, p := range q.items {
		if p == nil {
			return fmt.Errorf("%w: queue holds the shutdown sentinel", ErrNotPermutation)
		}
		byUUID[p.UUID] = p
	}
	next := make([]*domain.Package, 0, len(uuids))
	for _, id := range uuids {
		p, ok := byUUID[id]
		if !ok {
			return fmt.Errorf("%w: %q missing or repeated", ErrNotPermutation, id)
		}
		delete(byUUID, id)
		next = append(next, p)
	}
	q.items = next
	q.iteration++
	return nil
}

// IndexOf returns the position of uuid, or -1.
func (q *TaskQueue) IndexOf(uuid string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOf(uuid)
}

func (q *TaskQueue) indexOf(uuid string) int {
	for i, p := range q.items {
		if p != nil && p.UUID == uuid {
			return i
		}
	}
	return -1
}

// RemoveUUIDs deletes every listed package. If any uuid is not pending nothing
// is removed.
func (q *TaskQueue) RemoveUUIDs(uuids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	drop := make(map[string]struct{}, len(uuids))
	for _, id := range uuids {
		if q.indexOf(id) < 0 {
			return fmt.Errorf("%w: %s", ErrUUIDNotFound, id)
		}
		drop[id] = struct{}{}
	}
	kept := q.items[:0]
	for _, p := range q.items {
		if p != nil {
			if _, ok := drop[p.UUID]; ok {
				continue
			}
		}
		kept = append(kept, p)
	}
	clear(q.items[len(kept):])
	q.items = kept
	q.iteration++
	return nil
}

// MoveUUID resolves uuid and moves it to position in one step.
func (q *TaskQueue) MoveUUID(uuid string, position int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(uuid)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUUIDNotFound, uuid)
	}
	return q.move(i, position)
}

func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear empties the pending list. A pending shutdown sentinel survives.
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	halted := slices.Contains(q.items, nil)
	clear(q.items)
	q.items = q.items[:0]
	if halted {
		q.items = append(q.items, nil)
	}
	q.iteration++
}

// Items returns copies of the pending packages in order, skipping the sentinel.
func (q *TaskQueue) Items() []domain.Package {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.copyItems()
}

// Inspect calls fn with a copy of the pending list while holding the queue
// lock, so no package can be taken or added until fn returns. fn must not call
// back into the queue.
func (q *TaskQueue) Inspect(fn func(pending []domain.Package)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(q.copyItems())
}

func (q *TaskQueue) copyItems() []domain.Package {
	out := make([]domain.Package, 0, len(q.items))
	for _, p := range q.items {
		if p == nil {
			continue
		}
		cp := *p
		cp.Task = p.Task.Clone()
		out = append(out, cp)
	}
	return out
}

// UUIDs returns the pending uuids in order.
func (q *TaskQueue) UUIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.items))
	for _, p := range q.items {
		if p != nil {
			out = append(out, p.UUID)
		}
	}
	return out
}

// Iteration changes whenever the queue is mutated.
func (q *TaskQueue) Iteration() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.iteration
}
