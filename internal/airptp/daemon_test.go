package airptp

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := bindPorts(0, 0)
	require.NoError(t, err)
	t.Cleanup(d.End)
	return d
}

func TestStartAssignsClockIdentity(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(0xABCDEF, false))

	id := d.ClockIDGet()
	assert.Equal(t, uint64(0xFFFF), id>>48)
}

func TestPeerAddRemove(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(1, false))

	id, err := d.PeerAdd("127.0.0.1")
	require.NoError(t, err)
	assert.NotZero(t, id)

	d.PeerRemove(id)
	_, found := d.peers.Get(id)
	assert.False(t, found)
}

func TestPeerAddRejectsWhenTableFull(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(1, false))

	for i := 0; i < maxPeers; i++ {
		_, err := d.PeerAdd(fakeAddr(i))
		require.NoError(t, err)
	}
	_, err := d.PeerAdd(fakeAddr(maxPeers))
	assert.Error(t, err)
}

func fakeAddr(i int) string {
	return fmt.Sprintf("10.0.%d.%d", i/254+1, i%254+1)
}

func TestFindReportsStatus(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(5, true))

	time.Sleep(10 * time.Millisecond)
	status := d.Find()
	assert.Equal(t, d.ClockIDGet(), status.ClockID)
	assert.False(t, status.Stale())
}
