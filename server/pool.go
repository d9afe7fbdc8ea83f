package server

import (
	"errors"
	"sync/atomic"
)

var ErrPoolDraining = errors.New("worker pool is draining")

type WorkerPool struct {
	workers  []*Worker
	next     uint32
	draining atomic.Bool
}

type PoolStats struct {
	Workers     int  `json:"workers"`
	DeadWorkers int  `json:"dead_workers"`
	Draining    bool `json:"draining"`
}

// NewPool starts count executor processes configured by cfg.
func NewPool(count int, cfg WorkerConfig) (*WorkerPool, error) {
	workers := make([]*Worker, 0, count)

	for i := 0; i < count; i++ {
		w, err := NewWorker(cfg)
		if err != nil {
			for _, started := range workers {
				started.stop()
			}
			return nil, err
		}
		workers = append(workers, w)
	}

	return &WorkerPool{
		workers: workers,
	}, nil
}

// Dispatch hands req to the next worker in round-robin order.
func (p *WorkerPool) Dispatch(req *RequestPayload) (*ResponsePayload, error) {
	if p.draining.Load() {
		return nil, ErrPoolDraining
	}
	if len(p.workers) == 0 {
		return nil, errors.New("worker pool is empty")
	}

	i := atomic.AddUint32(&p.next, 1)
	w := p.workers[i%uint32(len(p.workers))]

	return w.Handle(req)
}

// Recycle marks every worker dead; each respawns on its next request.
func (p *WorkerPool) Recycle() {
	if p == nil {
		return
	}
	for _, w := range p.workers {
		w.markDead()
	}
}

// Drain stops accepting requests and terminates the workers once their
// in-flight request finishes.
func (p *WorkerPool) Drain() {
	if p == nil {
		return
	}
	p.draining.Store(true)
	for _, w := range p.workers {
		w.stop()
	}
}

func (p *WorkerPool) Stats() PoolStats {
	stats := PoolStats{}
	if p == nil {
		return stats
	}

	stats.Workers = len(p.workers)
	stats.Draining = p.draining.Load()
	for _, w := range p.workers {
		if w.isDead() {
			stats.DeadWorkers++
		}
	}

	return stats
}
