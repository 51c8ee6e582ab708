package workqueue

import (
	"sync"

	"school_im_backend/pkg/logger"
	"school_im_backend/pkg/monitoring"

	"go.uber.org/zap"
)

// Job 后台任务，Name 用于日志和指标
type Job struct {
	Name string
	Run  func() error
}

// Queue 有界后台任务队列
// 替代裸 goroutine：失败有日志有指标，队列满时丢弃而不是无限堆积
type Queue struct {
	jobs    chan Job
	wg      sync.WaitGroup
	once    sync.Once
	stopped chan struct{}
}

func New(size, workers int) *Queue {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 2
	}

	q := &Queue{
		jobs:    make(chan Job, size),
		stopped: make(chan struct{}),
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for job := range q.jobs {
		monitoring.WorkQueueDepth.Set(float64(len(q.jobs)))
		if err := job.Run(); err != nil {
			logger.Log.Error("background job failed",
				zap.String("job", job.Name),
				zap.Error(err))
		}
	}
}

// Submit 入队；队列已满时丢弃并记录，绝不阻塞调用方
func (q *Queue) Submit(name string, run func() error) bool {
	select {
	case <-q.stopped:
		return false
	default:
	}

	select {
	case q.jobs <- Job{Name: name, Run: run}:
		monitoring.WorkQueueDepth.Set(float64(len(q.jobs)))
		return true
	default:
		monitoring.WorkQueueDropped.Inc()
		logger.Log.Warn("work queue full, job dropped", zap.String("job", name))
		return false
	}
}

// Stop 关闭队列并等待存量任务跑完
func (q *Queue) Stop() {
	q.once.Do(func() {
		close(q.stopped)
		close(q.jobs)
	})
	q.wg.Wait()
}

// Depth 当前积压任务数
func (q *Queue) Depth() int {
	return len(q.jobs)
}
