package xjson

// Set is an insertion-ordered collection of distinct extended-JSON values.
// Membership uses extended-value equality, so 1 and 1.0 are the same
// element and two equal times collapse.
type Set struct {
	elems []any
}

// NewSet creates a Set containing the given values, dropping duplicates.
func NewSet(values ...any) *Set {
	s := &Set{}
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts v if no equal element is present. Returns true if inserted.
func (s *Set) Add(v any) bool {
	if s.Has(v) {
		return false
	}
	s.elems = append(s.elems, v)
	return true
}

// Has reports whether an element equal to v is present.
func (s *Set) Has(v any) bool {
	for _, e := range s.elems {
		if Equal(e, v) {
			return true
		}
	}
	return false
}

// Remove deletes the element equal to v. Returns true if found.
func (s *Set) Remove(v any) bool {
	for i, e := range s.elems {
		if Equal(e, v) {
			s.elems = append(s.elems[:i], s.elems[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of elements.
func (s *Set) Len() int {
	return len(s.elems)
}

// Values returns the elements in insertion order. The slice is a copy.
func (s *Set) Values() []any {
	out := make([]any, len(s.elems))
	copy(out, s.elems)
	return out
}
