package tcp

import (
	"github.com/GunjiD/tapstack/ilist"
)

// segmentList is an intrusive list of segments, typed so call sites never
// have to type-assert their way back out of ilist.Linker
type segmentList struct {
	list ilist.List
}

// Front returns the first segment in the list, or nil
func (l *segmentList) Front() *segment {
	if v := l.list.Front(); v != nil {
		return v.(*segment)
	}
	return nil
}

// Back returns the last segment in the list, or nil
func (l *segmentList) Back() *segment {
	if v := l.list.Back(); v != nil {
		return v.(*segment)
	}
	return nil
}

// Empty returns true if the list has no segments
func (l *segmentList) Empty() bool {
	return l.list.Empty()
}

// PushBack appends s to the list
func (l *segmentList) PushBack(s *segment) {
	l.list.PushBack(s)
}

// Remove removes s from the list
func (l *segmentList) Remove(s *segment) {
	l.list.Remove(s)
}
