package reputation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"sync"
	"testing"
	"time"
)

func writeFile(path string, body []byte) error {
	return os.WriteFile(path, body, 0o644)
}

const sampleHash = "ab56b4d92b40713acc5af89985d4b786a1b3b2c1e3f4a5b6c7d8e9f0a1b2c3d4"

const sampleReportBody = `{
	"data": {
		"id": "` + sampleHash + `",
		"attributes": {
			"last_analysis_stats": {"malicious": 5, "suspicious": 1, "undetected": 44},
			"last_analysis_results": {
				"EngineB": {"category": "malicious", "result": "Trojan.Generic"},
				"EngineA": {"category": "malicious", "result": "Ransom.Locky"},
				"EngineC": {"category": "undetected", "result": ""}
			},
			"tags": ["PEEXE"],
			"popular_threat_classification": {
				"suggested_threat_label": "ransomware.locky",
				"popular_threat_category": [{"value": "Ransomware"}]
			}
		}
	}
}`

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: map[string][]byte{}} }

func (c *memCache) GetReputation(sha256 string, maxAge time.Duration) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.data[sha256]
	return raw, ok
}

func (c *memCache) PutReputation(sha256 string, report []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[sha256] = report
	return nil
}

// testClient wires a client to the test server with sleeps disabled so
// retry paths run instantly.
func testClient(t *testing.T, url string, cache Cache) *Client {
	t.Helper()
	c := NewClient(Options{
		APIKey:       "test-key",
		BaseURL:      url,
		MaxPerMinute: 1000,
		PollInterval: time.Millisecond,
	}, cache)
	noSleep := func(ctx context.Context, d time.Duration) error { return nil }
	c.sleep = noSleep
	c.limiter.sleep = noSleep
	return c
}

func TestNewClientWithoutKey(t *testing.T) {
	if c := NewClient(Options{BaseURL: "http://x.test"}, nil); c != nil {
		t.Error("expected nil client without an api key")
	}
}

func TestLookupHash(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("x-apikey") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.URL.Path != "/files/"+sampleHash {
			t.Errorf("path = %s", r.URL.Path)
		}
		fmt.Fprint(w, sampleReportBody)
	}))
	defer srv.Close()

	cache := newMemCache()
	c := testClient(t, srv.URL, cache)

	rep, err := c.LookupHash(context.Background(), sampleHash)
	if err != nil {
		t.Fatal(err)
	}
	if rep.DetectedBy != 5 || rep.Suspicious != 1 || rep.Undetected != 44 {
		t.Errorf("stats = %d/%d/%d, want 5/1/44", rep.DetectedBy, rep.Suspicious, rep.Undetected)
	}
	if want := 5.0 / 50.0; rep.DetectionRatio != want {
		t.Errorf("DetectionRatio = %v, want %v", rep.DetectionRatio, want)
	}
	if !slices.Equal(rep.Vendors, []string{"EngineA", "EngineB"}) {
		t.Errorf("Vendors = %v", rep.Vendors)
	}
	if !slices.Equal(rep.Tags, []string{"peexe", "ransomware"}) {
		t.Errorf("Tags = %v", rep.Tags)
	}
	if rep.Verdict != "malicious" {
		t.Errorf("Verdict = %q", rep.Verdict)
	}

	// Second lookup must come from the cache.
	if _, err := c.LookupHash(context.Background(), sampleHash); err != nil {
		t.Fatal(err)
	}
	if hits != 1 {
		t.Errorf("server hit %d times, want 1 (cache miss only)", hits)
	}
}

func TestLookupHashNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	rep, err := testClient(t, srv.URL, nil).LookupHash(context.Background(), sampleHash)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Verdict != "unknown" || rep.DetectedBy != 0 {
		t.Errorf("got %+v, want unknown zero report", rep)
	}
}

func TestDoJSONRetries(t *testing.T) {
	t.Run("recovers from 5xx and 429", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			switch calls {
			case 1:
				w.WriteHeader(http.StatusInternalServerError)
			case 2:
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
			default:
				fmt.Fprint(w, sampleReportBody)
			}
		}))
		defer srv.Close()

		if _, err := testClient(t, srv.URL, nil).LookupHash(context.Background(), sampleHash); err != nil {
			t.Fatalf("lookup failed after retries: %v", err)
		}
		if calls != 3 {
			t.Errorf("server called %d times, want 3", calls)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		if _, err := testClient(t, srv.URL, nil).LookupHash(context.Background(), sampleHash); err == nil {
			t.Fatal("expected error after exhausting retries")
		}
		if calls != maxAttempts {
			t.Errorf("server called %d times, want %d", calls, maxAttempts)
		}
	})

	t.Run("client errors are terminal", func(t *testing.T) {
		var calls int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		if _, err := testClient(t, srv.URL, nil).LookupHash(context.Background(), sampleHash); err == nil {
			t.Fatal("expected error on 400")
		}
		if calls != 1 {
			t.Errorf("server called %d times, want 1", calls)
		}
	})
}

func TestSubmitFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/sample.bin"
	if err := writeFile(path, []byte("sample body")); err != nil {
		t.Fatal(err)
	}

	var analysisPolls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/files":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("not a multipart upload: %v", err)
			}
			if _, _, err := r.FormFile("file"); err != nil {
				t.Errorf("missing file part: %v", err)
			}
			fmt.Fprint(w, `{"data":{"id":"an-1"}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/analyses/an-1":
			analysisPolls++
			status := "queued"
			if analysisPolls >= 3 {
				status = "completed"
			}
			fmt.Fprintf(w, `{"data":{"id":"an-1","attributes":{"status":%q}}}`, status)
		case r.Method == http.MethodGet && r.URL.Path == "/files/"+sampleHash:
			fmt.Fprint(w, sampleReportBody)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	rep, err := testClient(t, srv.URL, nil).SubmitFile(context.Background(), path, sampleHash)
	if err != nil {
		t.Fatal(err)
	}
	if analysisPolls != 3 {
		t.Errorf("polled %d times, want 3", analysisPolls)
	}
	if rep.DetectedBy != 5 {
		t.Errorf("DetectedBy = %d, want 5", rep.DetectedBy)
	}
}

func TestWindowLimiter(t *testing.T) {
	now := time.Unix(1000, 0)
	var slept []time.Duration
	l := newWindowLimiter(2, time.Minute)
	l.now = func() time.Time { return now }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		now = now.Add(d)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if len(slept) != 0 {
		t.Fatalf("limiter slept under quota: %v", slept)
	}

	// Third request inside the window must block until the oldest stamp
	// ages out, plus the cushion.
	now = now.Add(10 * time.Second)
	if err := l.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if len(slept) != 1 {
		t.Fatalf("slept %d times, want 1", len(slept))
	}
	want := 50*time.Second + 100*time.Millisecond
	if slept[0] != want {
		t.Errorf("slept %v, want %v", slept[0], want)
	}
}
