package pools

import (
	"errors"
	"fmt"
)

// DefaultPageSize is the number of slots per arena page.
const DefaultPageSize = 500

var (
	// ErrLocked is returned when freeing an object that is still locked.
	ErrLocked = errors.New("pools: object is locked")
	// ErrNotAllocated is returned when freeing a slot that is not live.
	ErrNotAllocated = errors.New("pools: slot not allocated")
)

// Handle addresses one arena slot.
type Handle int

// NoHandle is the zero-value sentinel for "no slot".
const NoHandle Handle = -1

// Locker is implemented by objects that can be pinned against release.
type Locker interface {
	Locked() bool
}

// Resetter is implemented by objects that clear themselves for reuse. Free
// calls Reset instead of overwriting the slot, so the object keeps its
// storage and is never copied.
type Resetter interface {
	Reset()
}

type page[T any] struct {
	slots []T
	live  []bool
}

// Arena is a slab allocator of T objects. Storage comes in fixed-size pages
// that are never released; slots are addressed by Handle, so a pointer
// returned by Allocate or Get stays valid for the arena's lifetime.
//
// Arena is not safe for concurrent use.
type Arena[T any] struct {
	pageSize int
	pages    []*page[T]
	free     []Handle
	bump     int
	objects  int
}

// NewArena creates an empty arena with pageSize slots per page.
func NewArena[T any](pageSize int) *Arena[T] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Arena[T]{pageSize: pageSize}
}

// Allocate hands out a zeroed or Reset slot. Released slots are reused
// first, then the last page is filled, then a page is appended.
func (a *Arena[T]) Allocate() (Handle, *T) {
	var h Handle
	switch {
	case len(a.free) > 0:
		h = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case len(a.pages) > 0 && a.bump < a.pageSize:
		h = Handle((len(a.pages)-1)*a.pageSize + a.bump)
		a.bump++
	default:
		a.pages = append(a.pages, &page[T]{
			slots: make([]T, a.pageSize),
			live:  make([]bool, a.pageSize),
		})
		h = Handle((len(a.pages) - 1) * a.pageSize)
		a.bump = 1
	}

	p, i := a.locate(h)
	p.live[i] = true
	a.objects++
	return h, &p.slots[i]
}

// Get returns the live object at h, or nil.
func (a *Arena[T]) Get(h Handle) *T {
	if !a.valid(h) {
		return nil
	}
	p, i := a.locate(h)
	if !p.live[i] {
		return nil
	}
	return &p.slots[i]
}

// Free releases the slot at h. The object is Reset, or zeroed when it is not
// a Resetter, before the slot is reused.
func (a *Arena[T]) Free(h Handle) error {
	if !a.valid(h) {
		return fmt.Errorf("free %d: %w", h, ErrNotAllocated)
	}
	p, i := a.locate(h)
	if !p.live[i] {
		return fmt.Errorf("free %d: %w", h, ErrNotAllocated)
	}
	if l, ok := any(&p.slots[i]).(Locker); ok && l.Locked() {
		return fmt.Errorf("free %d: %w", h, ErrLocked)
	}

	if r, ok := any(&p.slots[i]).(Resetter); ok {
		r.Reset()
	} else {
		var zero T
		p.slots[i] = zero
	}
	p.live[i] = false
	a.free = append(a.free, h)
	a.objects--
	return nil
}

// Pages returns the number of pages ever allocated.
func (a *Arena[T]) Pages() int {
	return len(a.pages)
}

// Objects returns the number of live slots.
func (a *Arena[T]) Objects() int {
	return a.objects
}

// Capacity returns the total slot count.
func (a *Arena[T]) Capacity() int {
	return len(a.pages) * a.pageSize
}

func (a *Arena[T]) valid(h Handle) bool {
	return h >= 0 && int(h) < len(a.pages)*a.pageSize &&
		(int(h)/a.pageSize < len(a.pages)-1 || int(h)%a.pageSize < a.bump)
}

func (a *Arena[T]) locate(h Handle) (*page[T], int) {
	return a.pages[int(h)/a.pageSize], int(h) % a.pageSize
}
