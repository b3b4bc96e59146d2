package player

import "github.com/tobiasen/meridian/internal/quality"

// Source is one queue item materialised with timing fields, once the
// player has opened it for reading. The player keeps these in a doubly
// linked list so reading_now and playing_now can walk independently
// across the output-buffer window at a track boundary.
type Source struct {
	QueueItemID uint32
	FileID      uint32
	Path        string
	Kind        string
	LengthMS    int
	Quality     quality.Quality

	ReadStart int64 // sample index playback reading begins at
	ReadEnd   int64 // sample index at which input reports EOF
	PlayStart int64 // sample index at which this source becomes audible
	PlayEnd   int64 // ReadEnd + output-buffer-samples

	SeekMS int
	PosMS  int

	OutputBufferSamples int64

	prev, next *Source
}

// list is the player's ordered queue of opened sources, head to tail.
type list struct {
	head, tail *Source
}

func (l *list) pushBack(s *Source) {
	if l.tail == nil {
		l.head, l.tail = s, s
		return
	}
	s.prev = l.tail
	l.tail.next = s
	l.tail = s
}

// popFront removes and returns the head, e.g. once playing_now has
// advanced past it and its buffer window has fully drained.
func (l *list) popFront() *Source {
	s := l.head
	if s == nil {
		return nil
	}
	l.head = s.next
	if l.head != nil {
		l.head.prev = nil
	} else {
		l.tail = nil
	}
	s.next = nil
	return s
}
