package buffer

// View is a slice of a buffer, with convenience methods
type View []byte

// NewView allocates a new buffer and returns an initialized view that convers
// the whole buffer
func NewView(size int) View {
	return make(View, size)
}

// CapLength irreversibly reduces the length of the visible section of the
// buffer to the value specified
func (v *View) CapLength(length int) {
	// We also set the slice cap because if we don't, one would be able to
	// expand the view back to include the region just excluded. We want to
	// prevent that to avoid potential data leak if we have uninitialized
	// data in excluding region
	*v = (*v)[:length:length]
}

// TrimFront removes the first "count" bytes from the visible section of the
// buffer
func (v *View) TrimFront(count int) {
	*v = (*v)[count:]
}

// ToVectorisedView turns v into a vectorised view whose single view is v.
// The views array is passed by value, so the result is backed by that copy,
// not by the caller's array
func (v View) ToVectorisedView(views [1]View) VectorisedView {
	views[0] = v
	return NewVectorisedView(views[:], len(v))
}

// VectorisedView is a vectorised version of View using non contigous memory
// It supports all the convenience methods supported by View
type VectorisedView struct {
	views	[]View
	size 	int
}

// NewVectorisedView creates a new vectorised view from an already-allocated slice
// of View and sets its size
func NewVectorisedView(views []View, size int) VectorisedView {
	return VectorisedView{views: views, size: size}
}

// SetSize unsafely sets the size of the VectorisedView
func (vv *VectorisedView) SetSize(size int) {
	vv.size = size
}

// SetViews unsafely sets the views of the VectorisedView
func (vv *VectorisedView) SetViews(views []View) {
	vv.views = views
}

// First returns the first view of the vectorised view
// It panics if the vectorised view is empty
func (vv *VectorisedView) First() View {
	if len(vv.views) == 0 {
		panic("vview is empty")
	}
	return vv.views[0]
}

// TrimFront removes the first "count" bytes of the vectorised view
func (vv *VectorisedView) TrimFront(count int) {
	for count > 0 && len(vv.views) > 0 {
		if count < len(vv.views[0]) {
			vv.size -= count
			vv.views[0].TrimFront(count)
			return
		}
		count -= len(vv.views[0])
		vv.RemoveFirst()
	}
}
// RemoveFirst removes the first view of the vectorised view
func (vv *VectorisedView) RemoveFirst() {
	if len(vv.views) == 0 {
		return
	}
	vv.size -= len(vv.views[0])
	vv.views = vv.views[1:]
}

// ToView returns a single view containing the content of the vectorised view
func (vv *VectorisedView) ToView() View {
	v := make([]byte, vv.size)
	u := v
	for i := range vv.views {
		n := copy(u, vv.views[i])
		u = u[n:]
	}
	return v
}

// Size returns the size in bytes of the entire content stored in the vectorised view
func (vv *VectorisedView) Size() int {
	return vv.size
}

// Views returns the slice of views backing vv
func (vv *VectorisedView) Views() []View {
	return vv.views
}

// Clone returns a copy of vv backed by the views array provided, falling
// back to a freshly allocated one if it isn't big enough. The returned view
// shares the underlying View byte slices with vv, so callers that need to
// mutate the bytes themselves must copy them first.
func (vv *VectorisedView) Clone(views []View) VectorisedView {
	if len(vv.views) <= cap(views) {
		views = views[:len(vv.views)]
	} else {
		views = make([]View, len(vv.views))
	}
	n := copy(views, vv.views)
	return VectorisedView{views: views[:n], size: vv.size}
}

// Prependable is a buffer that grows backwards: the caller reserves size
// bytes up front, then each protocol layer calls Prepend to carve out its
// header immediately in front of the layer it wraps, so a packet is built
// from the inside out without copying into a fresh buffer per layer.
type Prependable struct {
	// buf is the underlying storage. The portion in use is buf[usedIdx:]
	buf     []byte
	usedIdx int
}

// NewPrependable allocates a new Prependable with size bytes of unused
// space reserved at the front
func NewPrependable(size int) Prependable {
	return Prependable{buf: make([]byte, size), usedIdx: size}
}

// Prepend reserves size bytes immediately in front of the currently used
// portion and returns a View over them for the caller to fill in, or nil if
// there isn't enough unused space left
func (p *Prependable) Prepend(size int) View {
	if size > p.usedIdx {
		return nil
	}
	p.usedIdx -= size
	return View(p.buf[p.usedIdx : p.usedIdx+size])
}

// View returns the entire used portion of the buffer, outermost header
// first, in the order it will be written to the wire
func (p *Prependable) View() View {
	return View(p.buf[p.usedIdx:])
}

// UsedBytes is an alias for View kept for call sites that think of the
// result as the finished wire bytes rather than a header view
func (p *Prependable) UsedBytes() View {
	return p.View()
}

// UsedLength returns the number of bytes currently used
func (p *Prependable) UsedLength() int {
	return len(p.buf) - p.usedIdx
}
