package workqueue

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"school_im_backend/pkg/logger"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	logger.Log = zap.NewNop()
}

func TestQueueRunsSubmittedJobs(t *testing.T) {
	q := New(16, 2)

	var count int64
	for i := 0; i < 10; i++ {
		ok := q.Submit("job", func() error {
			atomic.AddInt64(&count, 1)
			return nil
		})
		assert.True(t, ok)
	}

	q.Stop()
	assert.Equal(t, int64(10), atomic.LoadInt64(&count))
}

func TestQueueFailedJobDoesNotStopWorkers(t *testing.T) {
	q := New(16, 1)

	var succeeded int64
	q.Submit("failing", func() error { return errors.New("boom") })
	q.Submit("ok", func() error {
		atomic.AddInt64(&succeeded, 1)
		return nil
	})

	q.Stop()
	assert.Equal(t, int64(1), atomic.LoadInt64(&succeeded))
}

func TestQueueFullDropsJob(t *testing.T) {
	q := New(1, 1)

	block := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	q.Submit("blocker", func() error {
		defer wg.Done()
		<-block
		return nil
	})

	// 占满缓冲后再投递必然被丢弃
	for !q.Submit("filler", func() error { return nil }) {
	}
	ok := q.Submit("dropped", func() error { return nil })
	assert.False(t, ok)

	close(block)
	wg.Wait()
	q.Stop()
}

func TestQueueSubmitAfterStop(t *testing.T) {
	q := New(4, 1)
	q.Stop()

	ok := q.Submit("late", func() error { return nil })
	assert.False(t, ok)
}

func TestQueueDefaults(t *testing.T) {
	q := New(0, 0)
	assert.Equal(t, 0, q.Depth())

	done := make(chan struct{})
	q.Submit("probe", func() error {
		close(done)
		return nil
	})
	<-done
	q.Stop()
}
