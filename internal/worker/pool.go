package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentrix/scan-engine/internal/analyzer"
	"github.com/sentrix/scan-engine/internal/policy"
	"github.com/sentrix/scan-engine/pkg/models"
)

const (
	dequeueTimeout  = time.Second
	stabilityProbes = 3
)

// ResultStore persists fused verdicts.
type ResultStore interface {
	InsertScanResult(res models.ScanResult) error
}

// Publisher is the event-bus slice the pool needs.
type Publisher interface {
	Publish(eventType string, payload any) models.Event
}

// Pool drains the scan queue with a fixed set of workers. Each job runs
// the full pipeline, applies policy, persists and publishes. One bad file
// costs one scan_error event, never a worker.
type Pool struct {
	queue    *Queue
	engine   *analyzer.Engine
	enforcer *policy.Enforcer
	store    ResultStore
	broker   Publisher
	workers  int

	stabilityDelay time.Duration
	stopping       atomic.Bool
	scanned        atomic.Int64
	wg             sync.WaitGroup
}

func NewPool(queue *Queue, engine *analyzer.Engine, enforcer *policy.Enforcer, store ResultStore, broker Publisher, workers int) *Pool {
	if workers <= 0 {
		workers = 6
	}
	return &Pool{
		queue:          queue,
		engine:         engine,
		enforcer:       enforcer,
		store:          store,
		broker:         broker,
		workers:        workers,
		stabilityDelay: 800 * time.Millisecond,
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	log.Printf("[Worker] Starting %d scan workers", p.workers)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Stop flags shutdown and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	p.stopping.Store(true)
	p.wg.Wait()
	log.Printf("[Worker] All workers stopped (%d files scanned)", p.scanned.Load())
}

// Scanned returns the number of jobs processed since start.
func (p *Pool) Scanned() int64 {
	return p.scanned.Load()
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for !p.stopping.Load() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok := p.queue.Dequeue(dequeueTimeout)
		if !ok {
			continue
		}
		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job models.ScanJob) {
	if err := p.waitStable(job.Path); err != nil {
		p.publishError(job.Path, err)
		return
	}

	res := p.engine.ScanFile(ctx, job.Path)
	res.Policy = p.enforcer.Apply(res.Path, res.Severity)

	if err := p.store.InsertScanResult(res); err != nil {
		log.Printf("[Worker] Failed to persist result for %s: %v", res.Path, err)
	}
	p.broker.Publish(models.EventScanResult, map[string]any{
		"type":   models.EventScanResult,
		"ts":     float64(time.Now().UnixNano()) / 1e9,
		"result": res,
		"policy": res.Policy,
	})
	p.scanned.Add(1)
}

func (p *Pool) publishError(path string, err error) {
	log.Printf("[Worker] Scan failed for %s: %v", path, err)
	p.broker.Publish(models.EventScanError, map[string]any{
		"type":  models.EventScanError,
		"ts":    float64(time.Now().UnixNano()) / 1e9,
		"path":  path,
		"error": err.Error(),
	})
}

// waitStable validates the path is a regular file and probes its size until
// two consecutive probes agree, so half-written files are not scanned.
func (p *Pool) waitStable(path string) error {
	st, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("failed to stat: %v", err)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}

	prev := st.Size()
	for i := 0; i < stabilityProbes; i++ {
		time.Sleep(p.stabilityDelay)
		st, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("file vanished during stability check: %v", err)
		}
		if st.Size() == prev {
			return nil
		}
		prev = st.Size()
	}
	// Still growing after every probe. Skip it this cycle; the watcher's
	// write events will re-enqueue it once the writer finishes.
	return fmt.Errorf("file still being written after %d size probes", stabilityProbes)
}
