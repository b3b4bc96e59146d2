package rtp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobiasen/meridian/internal/quality"
)

func TestNewSessionRandomizesIdentifiers(t *testing.T) {
	s1, err := NewSession(96, quality.Default, 16, 4410)
	require.NoError(t, err)
	s2, err := NewSession(96, quality.Default, 16, 4410)
	require.NoError(t, err)

	assert.NotEqual(t, s1.SSRC(), s2.SSRC(), "SSRC should be randomly chosen per session")
}

func TestNextAdvancesSeqAndPos(t *testing.T) {
	s, err := NewSession(96, quality.Default, 16, 0)
	require.NoError(t, err)

	startPos := s.Pos()
	p1 := s.Next([]byte{1, 2, 3}, 352, true)
	p2 := s.Next([]byte{4, 5, 6}, 352, false)

	assert.Equal(t, p1.Seq()+1, p2.Seq())
	assert.Equal(t, startPos, p1.Timestamp())
	assert.Equal(t, startPos+352, p2.Timestamp())
	assert.True(t, p1.Header.Marker)
	assert.False(t, p2.Header.Marker)
}

func TestLookupFindsRecentPacket(t *testing.T) {
	s, err := NewSession(96, quality.Default, 8, 0)
	require.NoError(t, err)

	var seqs []uint16
	for i := 0; i < 5; i++ {
		p := s.Next([]byte{byte(i)}, 352, false)
		seqs = append(seqs, p.Seq())
	}

	for _, seq := range seqs {
		got, ok := s.Lookup(seq)
		require.True(t, ok, "seq %d should still be in the ring", seq)
		assert.Equal(t, seq, got.Seq())
	}
}

func TestLookupMissesOnceOverwritten(t *testing.T) {
	s, err := NewSession(96, quality.Default, 4, 0)
	require.NoError(t, err)

	first := s.Next([]byte{0}, 352, false)
	for i := 0; i < 4; i++ {
		s.Next([]byte{byte(i + 1)}, 352, false)
	}

	_, ok := s.Lookup(first.Seq())
	assert.False(t, ok, "a packet overwritten by bufSize newer packets should no longer be retrievable")
}

func TestMarshalIsStableUntilReuse(t *testing.T) {
	s, err := NewSession(96, quality.Default, 2, 0)
	require.NoError(t, err)

	p := s.Next([]byte{9, 9, 9}, 352, false)
	b1, err := p.Marshal()
	require.NoError(t, err)
	b2, err := p.Marshal()
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "Marshal should be cached, not rebuilt, across calls")
}

func TestSyncDueCadence(t *testing.T) {
	s, err := NewSession(96, quality.Default, 8, 1000)
	require.NoError(t, err)

	assert.True(t, s.SyncDue(), "a fresh session should be due for its initial sync")
	s.MarkSynced()
	assert.False(t, s.SyncDue())

	s.Next(nil, 999, false)
	assert.False(t, s.SyncDue())
	s.Next(nil, 1, false)
	assert.True(t, s.SyncDue())
}

func TestFlushForcesInitialSyncAgain(t *testing.T) {
	s, err := NewSession(96, quality.Default, 8, 1000)
	require.NoError(t, err)
	s.MarkSynced()
	require.False(t, s.SyncDue())

	s.Flush()
	assert.True(t, s.SyncDue())
}

func TestNTPRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 500_000_000, time.UTC)
	ts := TimeToNTP(now)
	back := ts.ToTime()

	assert.WithinDuration(t, now, back, time.Millisecond)
}

func TestNTPEpochOffset(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	ts := TimeToNTP(epoch)
	assert.Equal(t, uint32(ntpEpochOffset), ts.Seconds())
	assert.Equal(t, uint32(0), ts.Fraction())
}
