package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentrix/scan-engine/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScanResults(t *testing.T) {
	s := openTestStore(t)

	res := models.ScanResult{
		ID:          "scan-1",
		Path:        "/tmp/sample.bin",
		SHA256:      "abcd",
		ThreatScore: 0.72,
		Severity:    models.SeverityHigh,
		Category:    models.CategoryMalware,
	}
	if err := s.InsertScanResult(res); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertScanResult(models.ScanResult{ID: "scan-2", Severity: models.SeverityLow, Category: models.CategoryUnknown}); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentScans(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != "scan-2" {
		t.Errorf("newest first: got %s", got[0].ID)
	}
	if got[1].ThreatScore != 0.72 || got[1].Severity != models.SeverityHigh {
		t.Errorf("round trip lost fields: %+v", got[1])
	}
}

func TestReputationCache(t *testing.T) {
	s := openTestStore(t)

	if _, ok := s.GetReputation("ffff", 0); ok {
		t.Error("empty cache reported a hit")
	}

	report := []byte(`{"data":{"id":"ffff"}}`)
	if err := s.PutReputation("FFFF", report); err != nil {
		t.Fatal(err)
	}

	// Keys are case-insensitive; zero maxAge never expires.
	got, ok := s.GetReputation("ffff", 0)
	if !ok || string(got) != string(report) {
		t.Errorf("GetReputation = %q, %v", got, ok)
	}

	// A fresh entry survives a generous TTL and dies under a negative
	// effective age check only when genuinely stale.
	if _, ok := s.GetReputation("ffff", time.Hour); !ok {
		t.Error("fresh entry treated as stale")
	}
	if _, ok := s.GetReputation("ffff", time.Nanosecond); ok {
		t.Error("stale entry served")
	}

	// Overwrite takes the newest report.
	if err := s.PutReputation("ffff", []byte(`{"v":2}`)); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetReputation("ffff", 0)
	if string(got) != `{"v":2}` {
		t.Errorf("overwrite lost: %s", got)
	}
}

func TestUpsertSignature(t *testing.T) {
	s := openTestStore(t)

	first := models.SignatureRecord{
		SHA256:    "AAAA",
		MD5:       "BBBB",
		Family:    "locky",
		Severity:  models.SeverityHigh,
		Source:    "feed-a",
		FirstSeen: 100,
		LastSeen:  200,
	}
	if err := s.UpsertSignature(first); err != nil {
		t.Fatal(err)
	}

	// Second sighting: lower severity must not downgrade, family stays,
	// first_seen keeps the earliest, last_seen advances, source overwrites.
	second := models.SignatureRecord{
		SHA256:    "aaaa",
		Type:      "trojan",
		Severity:  models.SeverityMedium,
		Source:    "feed-b",
		FirstSeen: 150,
		LastSeen:  300,
	}
	if err := s.UpsertSignature(second); err != nil {
		t.Fatal(err)
	}

	rec, ok := s.LookupSignature("aaaa", "")
	if !ok {
		t.Fatal("signature not found")
	}
	if rec.Family != "locky" || rec.Type != "trojan" {
		t.Errorf("family/type = %q/%q", rec.Family, rec.Type)
	}
	if rec.Severity != models.SeverityHigh {
		t.Errorf("severity downgraded to %v", rec.Severity)
	}
	if rec.FirstSeen != 100 || rec.LastSeen != 300 {
		t.Errorf("seen range = %d..%d, want 100..300", rec.FirstSeen, rec.LastSeen)
	}
	if rec.Source != "feed-b" {
		t.Errorf("source = %q, want feed-b", rec.Source)
	}

	// Severity upgrades when the incoming record is strictly higher.
	if err := s.UpsertSignature(models.SignatureRecord{SHA256: "aaaa", Severity: models.SeverityCritical}); err != nil {
		t.Fatal(err)
	}
	if rec, _ := s.LookupSignature("aaaa", ""); rec.Severity != models.SeverityCritical {
		t.Errorf("severity = %v, want critical", rec.Severity)
	}

	// md5 column matches independently of sha256.
	if _, ok := s.LookupSignature("", "bbbb"); !ok {
		t.Error("md5 lookup failed")
	}
	if _, ok := s.LookupSignature("bbbb", ""); ok {
		t.Error("md5 value matched against the sha256 column")
	}

	if n, err := s.CountSignatures(); err != nil || n != 1 {
		t.Errorf("CountSignatures = %d, %v, want 1", n, err)
	}

	if err := s.UpsertSignature(models.SignatureRecord{}); err == nil {
		t.Error("hashless record accepted")
	}
}

func TestEvents(t *testing.T) {
	s := openTestStore(t)

	payload := []byte(`{
		"type": "scan_result",
		"result": {"path": "/tmp/x.bin", "severity": "high"},
		"policy": {"action": "quarantine"},
		"agent": {"id": "dev-1"},
		"source": "agent"
	}`)
	ev, err := s.InsertEvent(models.EventScanResult, 1000, payload)
	if err != nil {
		t.Fatal(err)
	}
	if ev.ID == 0 {
		t.Error("event id not assigned")
	}
	if ev.Severity != "high" || ev.Action != "quarantine" || ev.DeviceID != "dev-1" {
		t.Errorf("extracted columns = %+v", ev)
	}
	if ev.Path != "/tmp/x.bin" {
		t.Errorf("path = %q", ev.Path)
	}

	if _, err := s.InsertEvent(models.EventFastEvent, 1001, []byte(`{"path":"/tmp/y","severity":"low"}`)); err != nil {
		t.Fatal(err)
	}

	t.Run("filter by type", func(t *testing.T) {
		got, err := s.RecentEvents(10, 0, models.EventFastEvent)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].Type != models.EventFastEvent {
			t.Errorf("got %+v", got)
		}
	})

	t.Run("since id", func(t *testing.T) {
		got, err := s.RecentEvents(10, ev.ID, "")
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 {
			t.Errorf("got %d events after id %d, want 1", len(got), ev.ID)
		}
	})

	t.Run("payload preserved", func(t *testing.T) {
		got, err := s.RecentEvents(1, 0, models.EventScanResult)
		if err != nil {
			t.Fatal(err)
		}
		var doc map[string]any
		if err := json.Unmarshal(got[0].Payload, &doc); err != nil {
			t.Fatalf("payload not json: %v", err)
		}
		if doc["source"] != "agent" {
			t.Errorf("payload = %v", doc)
		}
	})
}

func TestDevices(t *testing.T) {
	s := openTestStore(t)

	if err := s.UpsertDevice(models.Device{ID: "dev-1", Name: "laptop", OS: "linux", Arch: "amd64", LastSeen: 10}); err != nil {
		t.Fatal(err)
	}
	// Refresh without os/arch keeps the known values; name updates.
	if err := s.UpsertDevice(models.Device{ID: "dev-1", Name: "laptop-renamed", LastSeen: 20}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertDevice(models.Device{ID: "dev-2", Name: "desktop", LastSeen: 30}); err != nil {
		t.Fatal(err)
	}

	devs, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(devs) != 2 {
		t.Fatalf("got %d devices, want 2", len(devs))
	}
	if devs[0].ID != "dev-2" {
		t.Errorf("most recently seen first: got %s", devs[0].ID)
	}
	if devs[1].Name != "laptop-renamed" || devs[1].OS != "linux" || devs[1].Arch != "amd64" {
		t.Errorf("merge lost fields: %+v", devs[1])
	}

	if err := s.UpsertDevice(models.Device{}); err == nil {
		t.Error("device without id accepted")
	}
}

func TestTimeseries(t *testing.T) {
	s := openTestStore(t)

	// Two scan results in one hour bucket, one fast event the next hour,
	// plus a watch event that must not be counted.
	base := float64(1700000400) // 2023-11-14T22:00:00Z
	mustInsert := func(typ string, ts float64, payload string) {
		t.Helper()
		if _, err := s.InsertEvent(typ, ts, []byte(payload)); err != nil {
			t.Fatal(err)
		}
	}
	mustInsert(models.EventScanResult, base+60, `{"result":{"severity":"high"}}`)
	mustInsert(models.EventScanResult, base+120, `{"result":{"severity":"low"}}`)
	mustInsert(models.EventFastEvent, base+3700, `{"severity":"critical"}`)
	mustInsert(models.EventWatchStarted, base+90, `{"paths":["/tmp"]}`)

	got, err := s.Timeseries(base, base+7200, "hour")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d buckets, want 2: %+v", len(got), got)
	}
	if got[0].High != 1 || got[0].Low != 1 || got[0].Critical != 0 {
		t.Errorf("first bucket = %+v", got[0])
	}
	if got[1].Critical != 1 {
		t.Errorf("second bucket = %+v", got[1])
	}
}
