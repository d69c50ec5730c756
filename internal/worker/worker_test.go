package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sentrix/scan-engine/internal/analyzer"
	"github.com/sentrix/scan-engine/internal/policy"
	"github.com/sentrix/scan-engine/pkg/models"
)

func TestQueue(t *testing.T) {
	q := NewQueue(2)

	if !q.Enqueue(models.ScanJob{Path: "/a"}) || !q.Enqueue(models.ScanJob{Path: "/b"}) {
		t.Fatal("enqueue under capacity failed")
	}
	if q.Enqueue(models.ScanJob{Path: "/c"}) {
		t.Error("enqueue over capacity succeeded")
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", q.Dropped())
	}
	if q.Len() != 2 {
		t.Errorf("Len = %d, want 2", q.Len())
	}

	job, ok := q.Dequeue(10 * time.Millisecond)
	if !ok || job.Path != "/a" {
		t.Errorf("Dequeue = %+v, %v", job, ok)
	}

	q.Dequeue(10 * time.Millisecond)
	if _, ok := q.Dequeue(10 * time.Millisecond); ok {
		t.Error("dequeue on empty queue returned a job")
	}
}

type memResults struct {
	mu      sync.Mutex
	results []models.ScanResult
}

func (m *memResults) InsertScanResult(res models.ScanResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, res)
	return nil
}

func (m *memResults) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.results)
}

type memBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (m *memBus) Publish(eventType string, payload any) models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, _ := json.Marshal(payload)
	ev := models.Event{Type: eventType, Payload: raw}
	m.events = append(m.events, ev)
	return ev
}

func (m *memBus) byType(eventType string) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Event
	for _, ev := range m.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func writeSigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := `{"hashes":[],"keywords":["encrypted"],"suspicious_extensions":[".locky"]}`
	for _, name := range []string{"malware_signatures.json", "ransomware_signatures.json", "phishing_signatures.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func testPool(t *testing.T, q *Queue, store ResultStore, broker Publisher) *Pool {
	t.Helper()
	eng := analyzer.NewEngine(analyzer.NewSignatureMatcher(writeSigDir(t)), nil, analyzer.NewTextModel(), nil)
	enf := policy.NewEnforcer("simulate", models.SeverityHigh, t.TempDir())
	p := NewPool(q, eng, enf, store, broker, 2)
	p.stabilityDelay = time.Millisecond
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestPoolProcessesJobs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.txt")
	if err := os.WriteFile(path, []byte("quarterly figures"), 0o644); err != nil {
		t.Fatal(err)
	}

	q := NewQueue(8)
	store := &memResults{}
	broker := &memBus{}
	p := testPool(t, q, store, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	q.Enqueue(models.ScanJob{Type: "scan_file", Path: path})
	waitFor(t, 5*time.Second, func() bool { return store.count() == 1 })

	events := broker.byType(models.EventScanResult)
	if len(events) != 1 {
		t.Fatalf("got %d scan_result events, want 1", len(events))
	}
	var doc struct {
		Result models.ScanResult    `json:"result"`
		Policy models.PolicyOutcome `json:"policy"`
	}
	if err := json.Unmarshal(events[0].Payload, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Result.Path != path {
		t.Errorf("result path = %q", doc.Result.Path)
	}
	if doc.Policy.Action != models.ActionSimulate {
		t.Errorf("policy action = %q", doc.Policy.Action)
	}
	if p.Scanned() != 1 {
		t.Errorf("Scanned = %d", p.Scanned())
	}
}

func TestPoolBadFileEmitsScanError(t *testing.T) {
	q := NewQueue(8)
	store := &memResults{}
	broker := &memBus{}
	p := testPool(t, q, store, broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	q.Enqueue(models.ScanJob{Type: "scan_file", Path: filepath.Join(t.TempDir(), "missing.bin")})
	waitFor(t, 5*time.Second, func() bool { return len(broker.byType(models.EventScanError)) == 1 })

	if store.count() != 0 {
		t.Errorf("missing file produced %d results", store.count())
	}
	var doc struct {
		Path  string `json:"path"`
		Error string `json:"error"`
	}
	ev := broker.byType(models.EventScanError)[0]
	if err := json.Unmarshal(ev.Payload, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Error == "" {
		t.Error("scan_error carries no message")
	}
}

func TestWaitStable(t *testing.T) {
	dir := t.TempDir()
	p := &Pool{stabilityDelay: time.Millisecond}

	t.Run("directory rejected", func(t *testing.T) {
		if err := p.waitStable(dir); err == nil {
			t.Error("directory accepted")
		}
	})

	t.Run("stable file accepted", func(t *testing.T) {
		path := filepath.Join(dir, "stable.bin")
		if err := os.WriteFile(path, []byte("done"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := p.waitStable(path); err != nil {
			t.Errorf("stable file rejected: %v", err)
		}
	})

	t.Run("growing file rejected", func(t *testing.T) {
		path := filepath.Join(dir, "growing.bin")
		stop := appendForever(t, path)
		defer close(stop)

		slow := &Pool{stabilityDelay: 25 * time.Millisecond}
		if err := slow.waitStable(path); err == nil {
			t.Error("file growing through every probe accepted")
		}
	})
}

// appendForever keeps growing path a few bytes at a time until the returned
// channel is closed.
func appendForever(t *testing.T, path string) chan struct{} {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	stop := make(chan struct{})
	go func() {
		defer f.Close()
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				f.Write([]byte("data"))
			}
		}
	}()
	return stop
}

func TestPoolSkipsFileStillBeingWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incoming.bin")
	stop := appendForever(t, path)
	defer close(stop)

	q := NewQueue(8)
	store := &memResults{}
	broker := &memBus{}
	p := testPool(t, q, store, broker)
	p.stabilityDelay = 25 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	q.Enqueue(models.ScanJob{Type: "scan_file", Path: path})
	waitFor(t, 5*time.Second, func() bool { return len(broker.byType(models.EventScanError)) == 1 })

	if store.count() != 0 {
		t.Errorf("unstable file produced %d results, want 0", store.count())
	}
	if got := len(broker.byType(models.EventScanResult)); got != 0 {
		t.Errorf("unstable file produced %d scan_result events, want 0", got)
	}
}
