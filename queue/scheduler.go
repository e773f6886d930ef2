package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/mjl-/relayq/metrics"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/relayq-"
)

// Task is the scheduled work for one stored mail. The same Task is passed to
// each run for the mail while it is rescheduled in place, so it can keep state
// across runs.
type Task struct {
	Name MailName

	// Time of the first failure of this task that caused an in-place reschedule.
	// Zero if there were none.
	FirstFailure time.Time
}

// RunFunc executes a task. It returns the zero time if the task is done, or
// the time at which to run the task again.
type RunFunc func(ctx context.Context, t *Task) time.Time

// Scheduler runs a task for each mail at its scheduled time, on a bounded
// number of concurrent workers. A task is never run concurrently with itself.
type Scheduler struct {
	log     mlog.Log
	workers int
	run     RunFunc

	// Now returns the current time, for tests. Timers use the wall clock.
	Now func() time.Time

	// Delay before running a task again after it panicked. Zero means one minute.
	PanicDelay time.Duration

	sync.Mutex
	entries map[string]*entry // Scheduled, not running, by MailName.String().
	heap    entryHeap
	running map[string]*runState
	stopped bool

	wakeup chan struct{} // Nudges dispatcher after changes.
	done   chan struct{} // Closed on shutdown.
	wg     sync.WaitGroup
}

type entry struct {
	task  *Task
	at    time.Time
	index int
}

type runState struct {
	task    *Task
	again   bool // Scheduled while running.
	againAt time.Time
	removed bool
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if c := h[i].at.Compare(h[j].at); c != 0 {
		return c < 0
	}
	return h[i].task.Name.Less(h[j].task.Name)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	e := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	e.index = -1
	return e
}

// NewScheduler returns a scheduler that calls run for due tasks on at most
// workers goroutines. Call Start to begin dispatching.
func NewScheduler(log mlog.Log, workers int, run RunFunc) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{
		log:     log,
		workers: workers,
		run:     run,
		entries: map[string]*entry{},
		running: map[string]*runState{},
		wakeup:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) kick() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Start schedules a task for each name at the time of the name, and starts
// dispatching. Tasks are run with ctx.
func (s *Scheduler) Start(ctx context.Context, names []MailName) {
	s.Lock()
	for _, n := range names {
		s.schedule(&Task{Name: n}, n.Time)
	}
	s.Unlock()
	go s.dispatch(ctx)
}

// Schedule schedules the task for name at time at, replacing an earlier
// scheduled time. If the task is running, it is run again afterwards. Returns
// false if the scheduler is shut down.
func (s *Scheduler) Schedule(name MailName, at time.Time) bool {
	s.Lock()
	defer s.Unlock()
	if s.stopped {
		return false
	}
	k := name.String()
	if rs, ok := s.running[k]; ok {
		if !rs.again || at.Before(rs.againAt) {
			rs.againAt = at
		}
		rs.again = true
		rs.removed = false
		return true
	}
	if e, ok := s.entries[k]; ok {
		e.at = at
		heap.Fix(&s.heap, e.index)
	} else {
		s.schedule(&Task{Name: name}, at)
	}
	s.kick()
	return true
}

func (s *Scheduler) schedule(t *Task, at time.Time) {
	e := &entry{task: t, at: at}
	heap.Push(&s.heap, e)
	s.entries[t.Name.String()] = e
}

// Kick schedules the task for name to run now.
func (s *Scheduler) Kick(name MailName) bool {
	return s.Schedule(name, s.now())
}

// Remove removes a scheduled task. A running task is not interrupted, but is
// not run again. Returns whether the task was found.
func (s *Scheduler) Remove(name MailName) bool {
	s.Lock()
	defer s.Unlock()
	k := name.String()
	if rs, ok := s.running[k]; ok {
		rs.again = false
		rs.removed = true
		return true
	}
	e, ok := s.entries[k]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, e.index)
	delete(s.entries, k)
	return true
}

// Scheduled returns the time the task for name is scheduled.
func (s *Scheduler) Scheduled(name MailName) (time.Time, bool) {
	s.Lock()
	defer s.Unlock()
	if e, ok := s.entries[name.String()]; ok {
		return e.at, true
	}
	return time.Time{}, false
}

// Pending returns the number of scheduled tasks that are not running.
func (s *Scheduler) Pending() int {
	s.Lock()
	defer s.Unlock()
	return len(s.entries)
}

// Running returns the number of running tasks.
func (s *Scheduler) Running() int {
	s.Lock()
	defer s.Unlock()
	return len(s.running)
}

func (s *Scheduler) dispatch(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.Lock()
		if s.stopped {
			s.Unlock()
			return
		}
		now := s.now()
		for len(s.heap) > 0 && len(s.running) < s.workers && !s.heap[0].at.After(now) {
			e := heap.Pop(&s.heap).(*entry)
			k := e.task.Name.String()
			delete(s.entries, k)
			s.running[k] = &runState{task: e.task}
			s.wg.Add(1)
			go s.exec(ctx, e.task)
		}
		wait := time.Hour
		if len(s.heap) > 0 && len(s.running) < s.workers {
			wait = s.heap[0].at.Sub(now)
		}
		s.Unlock()

		// Workers that are done kick the dispatcher.
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-s.done:
			return
		case <-s.wakeup:
		case <-timer.C:
		}
	}
}

func (s *Scheduler) exec(ctx context.Context, t *Task) {
	var next time.Time
	defer func() {
		x := recover()
		if x != nil {
			s.log.Error("scheduled task panic", slog.Any("panic", x), slog.Any("name", t.Name))
			debug.PrintStack()
			metrics.PanicInc(metrics.Scheduler)
			d := s.PanicDelay
			if d <= 0 {
				d = time.Minute
			}
			next = s.now().Add(d)
		}

		s.Lock()
		k := t.Name.String()
		rs := s.running[k]
		delete(s.running, k)
		if !s.stopped && (rs == nil || !rs.removed) {
			if rs != nil && rs.again && (next.IsZero() || rs.againAt.Before(next)) {
				next = rs.againAt
			}
			if !next.IsZero() {
				s.schedule(t, next)
			}
		}
		s.Unlock()
		s.wg.Done()
		s.kick()
	}()

	next = s.run(context.WithValue(ctx, mlog.CidKey, relayq.Cid()), t)
}

// Shutdown stops dispatching tasks and waits for running tasks to finish, or
// until ctx is done. Scheduled tasks that are not yet running are dropped.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return nil
	}
	s.stopped = true
	n := len(s.entries)
	s.entries = map[string]*entry{}
	s.heap = nil
	close(s.done)
	s.Unlock()

	s.log.Debug("scheduler shutting down", slog.Int("dropped", n))

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running tasks: %w", ctx.Err())
	}
}
