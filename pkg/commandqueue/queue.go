package commandqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Task is one unit of lane-serialized work.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tunes a single enqueue.
type TaskOptions struct {
	// WarnAfter logs and invokes OnWait if the task is still queued
	// after this long. Zero disables the warning.
	WarnAfter time.Duration
	OnWait    func(waited time.Duration, queuePos int)
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	generation int
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	mu          sync.Mutex
	generation  int
	concurrency int
	queue       []*taskRecord
	running     int
}

// Queue runs tasks lane by lane. Lanes are created on first use with
// concurrency 1.
type Queue struct {
	mu        sync.RWMutex
	lanes     map[string]*laneState
	taskIDSeq int
	logger    zerolog.Logger
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates an empty queue.
func New(logger zerolog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		lanes:  make(map[string]*laneState),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue submits a task to a lane and blocks until it finishes,
// returning the task's result.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ls := q.ensureLane(lane)

	q.mu.Lock()
	q.taskIDSeq++
	taskID := fmt.Sprintf("%s-%d", lane, q.taskIDSeq)
	q.mu.Unlock()

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}

	ls.mu.Lock()
	record := &taskRecord{
		id:         taskID,
		task:       task,
		ctx:        ctx,
		generation: ls.generation,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	q.logger.Debug().
		Str("lane", lane).
		Str("task_id", taskID).
		Int("queue_size", queueSize).
		Msg("Task enqueued")

	if opts.WarnAfter > 0 {
		go q.startWarnTimer(ls, record, lane)
	}

	go q.processLane(lane, ls)

	result := <-record.result
	return result.value, result.err
}

func (q *Queue) ensureLane(lane string) *laneState {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if exists {
		return ls
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if ls, exists = q.lanes[lane]; exists {
		return ls
	}
	ls = &laneState{concurrency: 1}
	q.lanes[lane] = ls
	q.logger.Debug().Str("lane", lane).Msg("Lane initialized")
	return ls
}

func (q *Queue) processLane(lane string, ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		// Stale tasks belong to a generation before the last reset.
		if record.generation != ls.generation {
			record.result <- taskResult{err: fmt.Errorf("task cancelled by lane reset")}
			close(record.result)
			continue
		}

		ls.running++
		q.wg.Add(1)
		go q.executeTask(lane, ls, record)
	}
}

func (q *Queue) executeTask(lane string, ls *laneState, record *taskRecord) {
	defer q.wg.Done()

	runCtx, cancel := context.WithCancel(record.ctx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	ls.mu.Lock()
	ls.running--
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}
	close(record.result)

	if err != nil {
		q.logger.Error().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		q.logger.Debug().
			Str("lane", lane).
			Str("task_id", record.id).
			Dur("duration", duration).
			Msg("Task completed")
	}

	go q.processLane(lane, ls)
}

func (q *Queue) startWarnTimer(ls *laneState, record *taskRecord, lane string) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
		ls.mu.Lock()
		queuePos := -1
		for i, r := range ls.queue {
			if r.id == record.id {
				queuePos = i
				break
			}
		}
		ls.mu.Unlock()

		if queuePos >= 0 {
			waited := time.Since(record.enqueuedAt)
			q.logger.Warn().
				Str("lane", lane).
				Str("task_id", record.id).
				Dur("waited", waited).
				Int("queue_pos", queuePos).
				Msg("Task waiting longer than expected")
			if record.options.OnWait != nil {
				record.options.OnWait(waited, queuePos)
			}
		}
	case <-q.ctx.Done():
	}
}

// QueueSize returns the number of queued tasks in a lane.
func (q *Queue) QueueSize(lane string) int {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if !exists {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// Running returns the number of executing tasks in a lane.
func (q *Queue) Running(lane string) int {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if !exists {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

// SetConcurrency changes a lane's limit, creating the lane if needed.
func (q *Queue) SetConcurrency(lane string, concurrency int) {
	ls := q.ensureLane(lane)
	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.mu.Unlock()

	if concurrency > old {
		go q.processLane(lane, ls)
	}
}

// ResetLane bumps the lane's generation and rejects everything still
// queued. Used when a session is interrupted.
func (q *Queue) ResetLane(lane string) int {
	q.mu.RLock()
	ls, exists := q.lanes[lane]
	q.mu.RUnlock()
	if !exists {
		return 0
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	ls.generation++
	rejected := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: fmt.Errorf("task cancelled by lane reset")}
		close(record.result)
	}
	ls.queue = nil

	q.logger.Info().Str("lane", lane).Int("rejected", rejected).Msg("Lane reset")
	return rejected
}

// Close cancels the run context handed to tasks and waits for running
// tasks to return.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}
