// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPipe_RoundTrip(t *testing.T) {
	a, b := Pipe()
	defer func() { _ = a.Close() }()

	require.NoError(t, a.Send(`{"action":"ping","data":{},"seq_id":1}`))

	frame, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, `{"action":"ping","data":{},"seq_id":1}`, frame)

	require.NoError(t, b.Send(`{"code":0,"message":"ok","data":{},"seq_id":1}`))

	frame, err = a.Receive()
	require.NoError(t, err)
	assert.Contains(t, frame, `"seq_id":1`)
}

func TestPipe_PreservesOrder(t *testing.T) {
	a, b := Pipe()
	defer func() { _ = a.Close() }()

	for _, frame := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(frame))
	}

	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Receive()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestPipe_CloseUnblocksBothEnds(t *testing.T) {
	defer goleak.VerifyNone(t)

	a, b := Pipe()

	done := make(chan error, 1)
	go func() {
		_, err := b.Receive()
		done <- err
	}()

	require.NoError(t, a.Close())

	err := <-done
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, a.Send("late"), ErrClosed)
	_, err = a.Receive()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipe_DrainsDeliveredFramesAfterClose(t *testing.T) {
	a, b := Pipe()

	require.NoError(t, a.Send("last words"))
	require.NoError(t, a.Close())

	frame, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, "last words", frame)

	_, err = b.Receive()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipe_DoubleCloseIsNoOp(t *testing.T) {
	a, _ := Pipe()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
