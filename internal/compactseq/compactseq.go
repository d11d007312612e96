// Package compactseq implements a small-size-optimized ordered sequence.
//
// Auction fan-out lists and per-augmentor instance lists are almost always
// tiny (0-4 entries) but unbounded. Seq stores up to InlineCap elements
// inline inside the struct, avoiding any heap allocation on that path, and
// migrates to an allocated buffer only when it grows past the inline
// capacity. Shrinking back under the threshold migrates storage back
// inline so a long-lived sequence does not pin a large buffer.
package compactseq

import "errors"

// InlineCap is the number of elements stored inline before the sequence
// spills to allocated storage. Go generics cannot parameterize array
// lengths, so the capacity is fixed at the size that covers typical
// bidder fan-out.
const InlineCap = 4

var (
	// ErrUnderflow is returned by PopBack on an empty sequence.
	ErrUnderflow = errors.New("compactseq: pop from empty sequence")
	// ErrOutOfRange is returned when an index or range does not lie
	// within the sequence.
	ErrOutOfRange = errors.New("compactseq: index out of range")
)

// Seq is an ordered sequence of T. The zero value is an empty sequence
// ready for use. Seq values must not be copied once populated; pass *Seq.
type Seq[T any] struct {
	n      int
	inline [InlineCap]T
	ext    []T // nil while storage is inline
}

// Len returns the number of elements.
func (s *Seq[T]) Len() int { return s.n }

// Cap returns InlineCap while inline and the allocated capacity otherwise.
func (s *Seq[T]) Cap() int {
	if s.ext == nil {
		return InlineCap
	}
	return cap(s.ext)
}

func (s *Seq[T]) active() []T {
	if s.ext == nil {
		return s.inline[:s.n]
	}
	return s.ext[:s.n]
}

// Values returns a view of the elements. The view is invalidated by any
// mutation of the sequence.
func (s *Seq[T]) Values() []T { return s.active() }

// Get returns the element at i, panicking when i is out of range, matching
// slice indexing behaviour.
func (s *Seq[T]) Get(i int) T {
	if i < 0 || i >= s.n {
		panic(ErrOutOfRange)
	}
	return s.active()[i]
}

// At returns the element at i with an explicit range check.
func (s *Seq[T]) At(i int) (T, error) {
	var zero T
	if i < 0 || i >= s.n {
		return zero, ErrOutOfRange
	}
	return s.active()[i], nil
}

// Set replaces the element at i, panicking when i is out of range.
func (s *Seq[T]) Set(i int, v T) {
	if i < 0 || i >= s.n {
		panic(ErrOutOfRange)
	}
	s.active()[i] = v
}

// PushBack appends v, growing external storage by doubling. The transition
// from inline to external storage happens when the size would exceed
// InlineCap.
func (s *Seq[T]) PushBack(v T) {
	s.reserve(s.n + 1)
	if s.ext == nil {
		s.inline[s.n] = v
	} else {
		s.ext = s.ext[:s.n+1]
		s.ext[s.n] = v
	}
	s.n++
}

// PopBack removes and returns the last element.
func (s *Seq[T]) PopBack() (T, error) {
	var zero T
	if s.n == 0 {
		return zero, ErrUnderflow
	}
	s.n--
	var v T
	if s.ext == nil {
		v = s.inline[s.n]
		s.inline[s.n] = zero
	} else {
		v = s.ext[s.n]
		s.ext[s.n] = zero
		s.ext = s.ext[:s.n]
		s.maybeShrink()
	}
	return v, nil
}

// Insert places vals before position i, shifting later elements right.
func (s *Seq[T]) Insert(i int, vals ...T) error {
	if i < 0 || i > s.n {
		return ErrOutOfRange
	}
	if len(vals) == 0 {
		return nil
	}
	s.reserve(s.n + len(vals))
	buf := s.storage()[:s.n+len(vals)]
	copy(buf[i+len(vals):], buf[i:s.n])
	copy(buf[i:], vals)
	s.n += len(vals)
	if s.ext != nil {
		s.ext = s.ext[:s.n]
	}
	return nil
}

// Erase removes the half-open range [first, last), shifting later elements
// left. Erasing down to InlineCap or fewer elements migrates storage back
// inline.
func (s *Seq[T]) Erase(first, last int) error {
	if first < 0 || last > s.n || first > last {
		return ErrOutOfRange
	}
	if first == last {
		return nil
	}
	buf := s.active()
	copy(buf[first:], buf[last:])
	var zero T
	removed := last - first
	for i := s.n - removed; i < s.n; i++ {
		buf[i] = zero
	}
	s.n -= removed
	if s.ext != nil {
		s.ext = s.ext[:s.n]
		s.maybeShrink()
	}
	return nil
}

// Resize grows the sequence to n elements by appending copies of fill, or
// shrinks it to n, migrating back to inline storage when the new size fits.
func (s *Seq[T]) Resize(n int, fill T) {
	if n < 0 {
		n = 0
	}
	for s.n < n {
		s.PushBack(fill)
	}
	if n < s.n {
		buf := s.active()
		var zero T
		for i := n; i < s.n; i++ {
			buf[i] = zero
		}
		s.n = n
		if s.ext != nil {
			s.ext = s.ext[:n]
			s.maybeShrink()
		}
	}
}

// Clear empties the sequence and returns storage inline.
func (s *Seq[T]) Clear() {
	var zero T
	for i := range s.inline {
		s.inline[i] = zero
	}
	s.ext = nil
	s.n = 0
}

func (s *Seq[T]) storage() []T {
	if s.ext == nil {
		return s.inline[:]
	}
	return s.ext[:cap(s.ext)]
}

func (s *Seq[T]) reserve(need int) {
	if s.ext == nil {
		if need <= InlineCap {
			return
		}
		newCap := InlineCap * 2
		for newCap < need {
			newCap *= 2
		}
		ext := make([]T, s.n, newCap)
		copy(ext, s.inline[:s.n])
		var zero T
		for i := range s.inline {
			s.inline[i] = zero
		}
		s.ext = ext
		return
	}
	if need <= cap(s.ext) {
		return
	}
	newCap := cap(s.ext) * 2
	for newCap < need {
		newCap *= 2
	}
	ext := make([]T, s.n, newCap)
	copy(ext, s.ext)
	s.ext = ext
}

func (s *Seq[T]) maybeShrink() {
	if s.ext == nil || s.n > InlineCap {
		return
	}
	copy(s.inline[:], s.ext[:s.n])
	s.ext = nil
}
