package dummyout

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tobiasen/meridian/internal/outputs"
)

func TestDeviceStartReportsConnectedThenStreaming(t *testing.T) {
	b := New()
	require.NoError(t, b.Init())

	var states []outputs.State
	d := &outputs.Device{ID: 1, Name: "Dummy 1"}
	err := b.DeviceStart(context.Background(), d, func(dev *outputs.Device, s outputs.State) {
		states = append(states, s)
	})

	require.NoError(t, err)
	assert.Equal(t, []outputs.State{outputs.StateConnected, outputs.StateStreaming}, states)
	assert.NotNil(t, d.Session)
}

func TestDeviceStopClearsSession(t *testing.T) {
	b := New()
	d := &outputs.Device{ID: 1}
	_ = b.DeviceStart(context.Background(), d, nil)

	var got outputs.State
	err := b.DeviceStop(context.Background(), d, func(dev *outputs.Device, s outputs.State) { got = s })

	require.NoError(t, err)
	assert.Equal(t, outputs.StateStopped, got)
	assert.Nil(t, d.Session)
}

func TestPriorityIsNeverAutoselected(t *testing.T) {
	assert.Equal(t, 0, New().Priority())
}
