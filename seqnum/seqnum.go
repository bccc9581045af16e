// Package seqnum defines the types and methods for TCP sequence numbers so
// that wraparound arithmetic (mod 2^32) is never spelled out by hand at the
// call sites in transport/tcp.
package seqnum

// Value represents the value of a sequence number
type Value uint32

// Size represents the size of a sequence number window
type Size uint32

// SizeFromValue creates a Size from a Value
func SizeFromValue(v Value) Size {
	return Size(v)
}

// Add calculates the sequence number following the [v, v+s) window
func (v Value) Add(s Size) Value {
	return v + Value(s)
}

// Size calculates the size of the window that starts at v and ends at w,
// exclusive
func (v Value) Size(w Value) Size {
	return Size(w - v)
}

// LessThan checks if v is before w, i.e. if v is in (w-2^31, w)
func (v Value) LessThan(w Value) bool {
	return int32(v-w) < 0
}

// LessThanEq checks if v is before or equal to w
func (v Value) LessThanEq(w Value) bool {
	return v == w || v.LessThan(w)
}

// InRange checks if v is in the range [a, b)
func (v Value) InRange(a, b Value) bool {
	return v-a < b-a
}

// InWindow checks if v is in the window that starts at first and spans size
// elements
func (v Value) InWindow(first Value, size Size) bool {
	return v.InRange(first, first.Add(size))
}

// UpdateForward updates v to be v+s
func (v *Value) UpdateForward(s Size) {
	*v += Value(s)
}

// WindowSize calculates the window size given the sender window and a
// requested size, taking care not to exceed the sender's advertised window
func (s Size) WindowSize(wnd Size) Size {
	if s < wnd {
		return s
	}
	return wnd
}

// Overlap checks if the window [a, a+b) overlaps with the window [c, c+d)
func Overlap(a Value, b Size, c Value, d Size) bool {
	if b == 0 || d == 0 {
		return false
	}

	x := a.Add(b - 1)
	y := c.Add(d - 1)

	return c.InRange(a, x+1) || a.InRange(c, y+1)
}
