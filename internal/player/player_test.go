package player

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveSeekRelativeNegativeNearTrackStartGoesToPrevious(t *testing.T) {
	r := resolveSeek(SeekRelative, -5000, 1000, 180000, 200000)
	assert.Equal(t, -1, r.trackDelta)
	assert.Equal(t, 195000, r.posMS)
}

func TestResolveSeekRelativeNegativeClampsWhenPrevTooShort(t *testing.T) {
	r := resolveSeek(SeekRelative, -50000, 1000, 180000, 20000)
	assert.Equal(t, -1, r.trackDelta)
	assert.Equal(t, 0, r.posMS)
}

func TestResolveSeekRelativeNegativeFarIntoTrackClampsToZero(t *testing.T) {
	r := resolveSeek(SeekRelative, -15000, 10000, 180000, 200000)
	assert.Equal(t, 0, r.trackDelta)
	assert.Equal(t, 0, r.posMS)
}

func TestResolveSeekRelativePastEndAdvances(t *testing.T) {
	r := resolveSeek(SeekRelative, 50000, 170000, 180000, 0)
	assert.Equal(t, 1, r.trackDelta)
	assert.Equal(t, 0, r.posMS)
}

func TestResolveSeekPositionWithinTrack(t *testing.T) {
	r := resolveSeek(SeekPosition, 90000, 1000, 180000, 0)
	assert.Equal(t, 0, r.trackDelta)
	assert.Equal(t, 90000, r.posMS)
}

func TestResolveSeekPositionPastEndAdvances(t *testing.T) {
	r := resolveSeek(SeekPosition, 200000, 1000, 180000, 0)
	assert.Equal(t, 1, r.trackDelta)
	assert.Equal(t, 0, r.posMS)
}

func TestListPushAndPopFront(t *testing.T) {
	var l list
	a := &Source{QueueItemID: 1}
	b := &Source{QueueItemID: 2}
	l.pushBack(a)
	l.pushBack(b)

	assert.Same(t, a, l.head)
	assert.Same(t, b, l.tail)

	popped := l.popFront()
	assert.Same(t, a, popped)
	assert.Same(t, b, l.head)
	assert.Same(t, b, l.tail)

	l.popFront()
	assert.Nil(t, l.head)
	assert.Nil(t, l.tail)
}
