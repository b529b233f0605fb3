package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type pendingJob struct {
	job   Job
	score float64
	seq   uint64
}

// Memory is the in-process queue. It signals new work on Notify.
type Memory struct {
	mu         sync.Mutex
	opts       Options
	pending    []pendingJob
	seq        uint64
	processing map[string]Job
	progress   map[string]*Progress
	counts     map[Status]int64
	notify     chan struct{}
	closed     bool
	now        func() time.Time
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:       opts.withDefaults(),
		processing: make(map[string]Job),
		progress:   make(map[string]*Progress),
		counts:     make(map[Status]int64),
		notify:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

func (m *Memory) Notify() <-chan struct{} { return m.notify }

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Enqueue(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := m.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	m.push(*job, score(now, job.Priority))
	m.progress[job.ID] = &Progress{JobID: job.ID, RawID: job.RawID, Status: StatusPending, UpdatedAt: now}
	m.signal()
	return nil
}

func (m *Memory) push(job Job, s float64) {
	m.seq++
	p := pendingJob{job: job, score: s, seq: m.seq}
	i := sort.Search(len(m.pending), func(i int) bool {
		q := m.pending[i]
		return q.score > s || (q.score == s && q.seq > p.seq)
	})
	m.pending = append(m.pending, pendingJob{})
	copy(m.pending[i+1:], m.pending[i:])
	m.pending[i] = p
}

func (m *Memory) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	now := m.now().UTC()
	if len(m.pending) == 0 || m.pending[0].score > float64(now.UnixMilli()) {
		return nil, nil
	}
	job := m.pending[0].job
	m.pending = m.pending[1:]
	m.processing[job.ID] = job

	p := m.progressFor(job)
	p.Status = StatusRunning
	p.StartedAt = &now
	p.UpdatedAt = now
	p.WorkerID = workerID
	p.Attempts = job.Attempts
	return &job, nil
}

func (m *Memory) progressFor(job Job) *Progress {
	p, ok := m.progress[job.ID]
	if !ok {
		p = &Progress{JobID: job.ID, RawID: job.RawID}
		m.progress[job.ID] = p
	}
	return p
}

func (m *Memory) Complete(ctx context.Context, job *Job, status Status, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.completeLocked(*job, status, reason)
	return nil
}

func (m *Memory) completeLocked(job Job, status Status, reason string) {
	delete(m.processing, job.ID)
	m.counts[status]++
	now := m.now().UTC()
	p := m.progressFor(job)
	p.Status = status
	p.Attempts = job.Attempts
	p.CompletedAt = &now
	p.UpdatedAt = now
	if reason != "" {
		p.Errors = append(p.Errors, reason)
	}
}

func (m *Memory) Fail(ctx context.Context, job *Job, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.processing, job.ID)
	job.Attempts++
	if job.Attempts >= m.opts.MaxAttempts {
		m.completeLocked(*job, StatusFailed, reason)
		return nil
	}

	now := m.now().UTC()
	due := now.Add(time.Duration(job.Attempts) * m.opts.RetryBackoff)
	m.push(*job, score(due, 0))
	p := m.progressFor(*job)
	p.Status = StatusPending
	p.Attempts = job.Attempts
	p.Errors = append(p.Errors, reason)
	p.UpdatedAt = now
	m.signal()
	return nil
}

func (m *Memory) Cancel(ctx context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	for i, p := range m.pending {
		if p.job.ID == jobID {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			m.completeLocked(p.job, StatusCancelled, "")
			return true, nil
		}
	}
	if _, ok := m.progress[jobID]; !ok {
		return false, notFound(jobID)
	}
	return false, nil
}

func (m *Memory) Status(ctx context.Context, jobID string) (*Progress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.progress[jobID]
	if !ok {
		return nil, notFound(jobID)
	}
	cp := *p
	cp.Warnings = append([]string(nil), p.Warnings...)
	cp.Errors = append([]string(nil), p.Errors...)
	return &cp, nil
}

// UpdateProgress replaces the counters and warnings of a job. Status
// transitions go through Dequeue, Complete and Fail.
func (m *Memory) UpdateProgress(ctx context.Context, p *Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.progress[p.JobID]
	if !ok {
		return notFound(p.JobID)
	}
	mergeCounters(cur, p)
	cur.UpdatedAt = m.now().UTC()
	return nil
}

func mergeCounters(dst, src *Progress) {
	dst.Observations = src.Observations
	dst.Intelligence = src.Intelligence
	dst.Entities = src.Entities
	dst.Findings = src.Findings
	dst.Indicators = src.Indicators
	dst.Warnings = append([]string(nil), src.Warnings...)
}

func (m *Memory) Stats(ctx context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"pending":    int64(len(m.pending)),
		"processing": int64(len(m.processing)),
		"completed":  m.counts[StatusCompleted],
		"failed":     m.counts[StatusFailed],
		"cancelled":  m.counts[StatusCancelled],
	}, nil
}

// ReapStale requeues processing jobs whose progress has not moved within
// timeout.
func (m *Memory) ReapStale(ctx context.Context, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	reaped := 0
	for id, job := range m.processing {
		p := m.progressFor(job)
		if now.Sub(p.UpdatedAt) <= timeout {
			continue
		}
		delete(m.processing, id)
		job.Attempts++
		if job.Attempts >= m.opts.MaxAttempts {
			m.completeLocked(job, StatusFailed, "worker timed out")
		} else {
			m.push(job, score(now, job.Priority))
			p.Status = StatusPending
			p.Attempts = job.Attempts
			p.UpdatedAt = now
		}
		reaped++
	}
	if reaped > 0 {
		m.signal()
	}
	return reaped, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
