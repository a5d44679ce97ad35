package tunnel

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingShutdownHandler struct {
	ShutdownHelper
	calls int32
	err   error
}

func newCountingHandler(err error) *countingShutdownHandler {
	h := &countingShutdownHandler{err: err}
	h.Init(h)
	return h
}

func (h *countingShutdownHandler) HandleOnceShutdown(completionErr error) error {
	atomic.AddInt32(&h.calls, 1)
	return h.err
}

func TestShutdownHelperIdempotent(t *testing.T) {
	h := newCountingHandler(nil)

	h.StartShutdown(nil)
	h.StartShutdown(nil)
	h.StartShutdown(errors.New("ignored, already shutting down"))

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() never closed")
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&h.calls) == 1 }, time.Second, 10*time.Millisecond)
}

func TestShutdownHelperDoneClosesSynchronously(t *testing.T) {
	h := newCountingHandler(nil)
	h.StartShutdown(nil)
	// Done() must already be closed by the time StartShutdown returns, even
	// though HandleOnceShutdown runs asynchronously.
	select {
	case <-h.Done():
	default:
		t.Fatal("Done() not closed synchronously with StartShutdown")
	}
}

func TestShutdownHelperIsShuttingDown(t *testing.T) {
	h := newCountingHandler(nil)
	assert.False(t, h.IsShuttingDown())
	h.StartShutdown(nil)
	assert.True(t, h.IsShuttingDown())
}

func TestMergeShutdownErr(t *testing.T) {
	e1 := errors.New("advisory")
	e2 := errors.New("actual")

	assert.Equal(t, e2, mergeShutdownErr(nil, e2))
	assert.Equal(t, e1, mergeShutdownErr(e1, nil))
	assert.Nil(t, mergeShutdownErr(nil, nil))

	merged := mergeShutdownErr(e1, e2)
	require.Error(t, merged)
	assert.Contains(t, merged.Error(), "advisory")
	assert.Contains(t, merged.Error(), "actual")
}

func TestClose(t *testing.T) {
	h := newCountingHandler(nil)
	assert.NoError(t, h.Close())
	assert.True(t, h.IsShuttingDown())
}
