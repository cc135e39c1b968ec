package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestBackgroundTaskManager_RunsImmediatelyAndPeriodically(t *testing.T) {
	manager := NewBackgroundTaskManager("test_", prometheus.NewRegistry())
	var calls int32
	manager.Register(func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
	}, 10*time.Millisecond, "counter")

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, time.Second, 5*time.Millisecond)
	assert.False(t, manager.StopAll(time.Second))
}

func TestBackgroundTaskManager_StopAllCancelsContext(t *testing.T) {
	manager := NewBackgroundTaskManager("test_", prometheus.NewRegistry())
	started := make(chan struct{})
	manager.Register(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}, time.Hour, "blocking")

	<-started
	assert.False(t, manager.StopAll(time.Second))
}

func TestBackgroundTaskManager_StopAllTimesOut(t *testing.T) {
	manager := NewBackgroundTaskManager("test_", prometheus.NewRegistry())
	release := make(chan struct{})
	started := make(chan struct{})
	manager.Register(func(ctx context.Context) {
		close(started)
		<-release
	}, time.Hour, "stuck")

	<-started
	assert.True(t, manager.StopAll(20*time.Millisecond))
	close(release)
}
