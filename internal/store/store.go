package store

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentrix/scan-engine/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps the engine's single sqlite file. All writes funnel through
// one writer goroutine so concurrent producers never contend on the sqlite
// write lock; reads go straight to the pool.
type Store struct {
	db      *sql.DB
	writeCh chan writeOp
	done    chan struct{}
}

type writeOp struct {
	fn    func(db *sql.DB) error
	reply chan error
}

// Open creates the database file (and parent directory) if needed, applies
// the schema and starts the writer.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %v", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %v", err)
	}

	s := &Store{
		db:      db,
		writeCh: make(chan writeOp, 256),
		done:    make(chan struct{}),
	}
	go s.writer()
	log.Printf("[Store] Database ready at %s", path)
	return s, nil
}

func (s *Store) writer() {
	defer close(s.done)
	for op := range s.writeCh {
		op.reply <- op.fn(s.db)
	}
}

// write runs fn on the writer goroutine and waits for its result.
func (s *Store) write(fn func(db *sql.DB) error) error {
	op := writeOp{fn: fn, reply: make(chan error, 1)}
	s.writeCh <- op
	return <-op.reply
}

// Close drains pending writes and closes the database.
func (s *Store) Close() error {
	close(s.writeCh)
	<-s.done
	return s.db.Close()
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// ── Scan results ───────────────────────────────────────────────────────────

// InsertScanResult persists one fused verdict, full document included.
func (s *Store) InsertScanResult(res models.ScanResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode scan result: %v", err)
	}
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT OR REPLACE INTO scan_results
				(id, path, sha256, severity, category, threat_score, result_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			res.ID, res.Path, res.SHA256, string(res.Severity), res.Category,
			res.ThreatScore, string(raw), nowUnix())
		return err
	})
}

// RecentScans returns the newest scan results, newest first.
func (s *Store) RecentScans(limit int) ([]models.ScanResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT result_json FROM scan_results ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScanResult
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var res models.ScanResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			log.Printf("[Store] Skipping undecodable scan result: %v", err)
			continue
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ── Reputation cache ───────────────────────────────────────────────────────

// GetReputation returns the cached raw report for a hash. maxAge 0 means
// cached reports never expire.
func (s *Store) GetReputation(sha256 string, maxAge time.Duration) ([]byte, bool) {
	var raw string
	var updatedAt float64
	err := s.db.QueryRow(
		`SELECT report_json, updated_at FROM reputation_cache WHERE sha256 = ?`,
		strings.ToLower(sha256)).Scan(&raw, &updatedAt)
	if err != nil {
		return nil, false
	}
	if maxAge > 0 && nowUnix()-updatedAt > maxAge.Seconds() {
		return nil, false
	}
	return []byte(raw), true
}

// PutReputation write-through caches a raw provider report.
func (s *Store) PutReputation(sha256 string, report []byte) error {
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO reputation_cache (sha256, report_json, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(sha256) DO UPDATE SET
				report_json = excluded.report_json,
				updated_at  = excluded.updated_at`,
			strings.ToLower(sha256), string(report), nowUnix())
		return err
	})
}

// ── Signature database ─────────────────────────────────────────────────────

// UpsertSignature merges one signature record into the offline DB. Merge
// rules: family/type fill empty columns only, severity only upgrades,
// first_seen keeps the earliest, last_seen the latest, source and meta
// always take the incoming value.
func (s *Store) UpsertSignature(rec models.SignatureRecord) error {
	rec.SHA256 = strings.ToLower(rec.SHA256)
	rec.MD5 = strings.ToLower(rec.MD5)
	if rec.SHA256 == "" && rec.MD5 == "" {
		return fmt.Errorf("signature record has no hash")
	}
	meta, err := json.Marshal(rec.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode signature meta: %v", err)
	}

	return s.write(func(db *sql.DB) error {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var (
			id                    int64
			family, typ, severity string
			firstSeen, lastSeen   sql.NullInt64
		)
		err = tx.QueryRow(`
			SELECT id, COALESCE(family,''), COALESCE(type,''), severity, first_seen, last_seen
			FROM signatures
			WHERE (sha256 = ?1 AND ?1 != '') OR (md5 = ?2 AND ?2 != '')`,
			rec.SHA256, rec.MD5).Scan(&id, &family, &typ, &severity, &firstSeen, &lastSeen)

		switch {
		case err == sql.ErrNoRows:
			_, err = tx.Exec(`
				INSERT INTO signatures
					(sha256, md5, family, type, severity, source, first_seen, last_seen, meta)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				nullIfEmpty(rec.SHA256), nullIfEmpty(rec.MD5), rec.Family, rec.Type,
				string(rec.Severity), rec.Source, rec.FirstSeen, rec.LastSeen, string(meta))
			if err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if family == "" {
				family = rec.Family
			}
			if typ == "" {
				typ = rec.Type
			}
			if rec.Severity.Rank() > models.Severity(severity).Rank() {
				severity = string(rec.Severity)
			}
			first := rec.FirstSeen
			if firstSeen.Valid && firstSeen.Int64 != 0 && (first == 0 || firstSeen.Int64 < first) {
				first = firstSeen.Int64
			}
			last := rec.LastSeen
			if lastSeen.Valid && lastSeen.Int64 > last {
				last = lastSeen.Int64
			}
			_, err = tx.Exec(`
				UPDATE signatures
				SET family = ?, type = ?, severity = ?, source = ?,
					first_seen = ?, last_seen = ?, meta = ?
				WHERE id = ?`,
				family, typ, severity, rec.Source, first, last, string(meta), id)
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LookupSignature matches a sha256 against the sha256 column and an md5
// against the md5 column, case-insensitively. Either hash may be empty.
func (s *Store) LookupSignature(sha256, md5 string) (models.SignatureRecord, bool) {
	sha256 = strings.ToLower(sha256)
	md5 = strings.ToLower(md5)
	if sha256 == "" && md5 == "" {
		return models.SignatureRecord{}, false
	}

	var (
		rec      models.SignatureRecord
		sha, m5  sql.NullString
		fam, typ sql.NullString
		sev, src sql.NullString
		fs, ls   sql.NullInt64
		meta     sql.NullString
	)
	err := s.db.QueryRow(`
		SELECT sha256, md5, family, type, severity, source, first_seen, last_seen, meta
		FROM signatures
		WHERE (sha256 = ?1 AND ?1 != '') OR (md5 = ?2 AND ?2 != '')`,
		sha256, md5).Scan(&sha, &m5, &fam, &typ, &sev, &src, &fs, &ls, &meta)
	if err != nil {
		return models.SignatureRecord{}, false
	}

	rec.SHA256 = sha.String
	rec.MD5 = m5.String
	rec.Family = fam.String
	rec.Type = typ.String
	rec.Severity = models.ParseSeverity(sev.String)
	rec.Source = src.String
	rec.FirstSeen = fs.Int64
	rec.LastSeen = ls.Int64
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &rec.Meta)
	}
	return rec, true
}

// CountSignatures returns the offline DB row count.
func (s *Store) CountSignatures() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM signatures`).Scan(&n)
	return n, err
}

// ── Event log ──────────────────────────────────────────────────────────────

// InsertEvent appends one event. Query columns (severity, action, source,
// device id) are extracted from the payload document; nested locations
// (result.severity, policy.action, agent.id) are honored.
func (s *Store) InsertEvent(eventType string, ts float64, payload []byte) (models.Event, error) {
	var doc struct {
		Path     string `json:"path"`
		Severity string `json:"severity"`
		Source   string `json:"source"`
		Action   string `json:"action"`
		Result   struct {
			Path     string `json:"path"`
			Severity string `json:"severity"`
		} `json:"result"`
		Policy struct {
			Action string `json:"action"`
		} `json:"policy"`
		Agent struct {
			ID string `json:"id"`
		} `json:"agent"`
	}
	_ = json.Unmarshal(payload, &doc)

	path := doc.Path
	if path == "" {
		path = doc.Result.Path
	}
	severity := doc.Severity
	if severity == "" {
		severity = doc.Result.Severity
	}
	action := doc.Action
	if action == "" {
		action = doc.Policy.Action
	}

	ev := models.Event{
		TS:       ts,
		Type:     eventType,
		Path:     path,
		Severity: severity,
		Action:   action,
		Source:   doc.Source,
		DeviceID: doc.Agent.ID,
		Payload:  json.RawMessage(payload),
	}

	err := s.write(func(db *sql.DB) error {
		res, err := db.Exec(`
			INSERT INTO events (ts, type, path, severity, action, source, device_id, data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.TS, ev.Type, ev.Path, ev.Severity, ev.Action, ev.Source, ev.DeviceID, string(payload))
		if err != nil {
			return err
		}
		ev.ID, err = res.LastInsertId()
		return err
	})
	return ev, err
}

// RecentEvents returns up to limit events newest first, optionally
// filtered by type and by a minimum event id.
func (s *Store) RecentEvents(limit int, sinceID int64, eventType string) ([]models.Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT id, ts, type, path, severity, action, source, device_id, data
		FROM events WHERE id > ?`
	args := []any{sinceID}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var path, severity, action, source, deviceID sql.NullString
		var data string
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &path, &severity, &action,
			&source, &deviceID, &data); err != nil {
			return nil, err
		}
		ev.Path = path.String
		ev.Severity = severity.String
		ev.Action = action.String
		ev.Source = source.String
		ev.DeviceID = deviceID.String
		ev.Payload = json.RawMessage(data)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ── Devices ────────────────────────────────────────────────────────────────

// UpsertDevice registers or refreshes an endpoint agent. OS, arch and
// version fill empty columns only; name, last_seen and meta always update.
func (s *Store) UpsertDevice(dev models.Device) error {
	if dev.ID == "" {
		return fmt.Errorf("device has no id")
	}
	meta, err := json.Marshal(dev.Meta)
	if err != nil {
		return fmt.Errorf("failed to encode device meta: %v", err)
	}
	if dev.LastSeen == 0 {
		dev.LastSeen = nowUnix()
	}
	return s.write(func(db *sql.DB) error {
		_, err := db.Exec(`
			INSERT INTO devices (id, name, os, arch, version, last_seen, meta)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name      = excluded.name,
				os        = COALESCE(NULLIF(devices.os, ''), excluded.os),
				arch      = COALESCE(NULLIF(devices.arch, ''), excluded.arch),
				version   = COALESCE(NULLIF(devices.version, ''), excluded.version),
				last_seen = excluded.last_seen,
				meta      = excluded.meta`,
			dev.ID, dev.Name, dev.OS, dev.Arch, dev.Version, dev.LastSeen, string(meta))
		return err
	})
}

// ListDevices returns all registered devices, most recently seen first.
func (s *Store) ListDevices() ([]models.Device, error) {
	rows, err := s.db.Query(`
		SELECT id, COALESCE(name,''), COALESCE(os,''), COALESCE(arch,''),
			COALESCE(version,''), COALESCE(last_seen,0), COALESCE(meta,'')
		FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		var dev models.Device
		var meta string
		if err := rows.Scan(&dev.ID, &dev.Name, &dev.OS, &dev.Arch, &dev.Version,
			&dev.LastSeen, &meta); err != nil {
			return nil, err
		}
		if meta != "" {
			_ = json.Unmarshal([]byte(meta), &dev.Meta)
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

// ── Timeseries ─────────────────────────────────────────────────────────────

// TimeseriesBucket is one interval of severity-labeled event counts.
type TimeseriesBucket struct {
	Bucket   string `json:"bucket"`
	Low      int    `json:"low"`
	Medium   int    `json:"medium"`
	High     int    `json:"high"`
	Critical int    `json:"critical"`
}

// Timeseries buckets scan_result and fast_event rows between start and end
// (unix seconds) by minute, hour or day.
func (s *Store) Timeseries(start, end float64, bucket string) ([]TimeseriesBucket, error) {
	var format string
	switch bucket {
	case "min":
		format = "%Y-%m-%dT%H:%M"
	case "day":
		format = "%Y-%m-%d"
	default:
		format = "%Y-%m-%dT%H"
	}

	rows, err := s.db.Query(`
		SELECT strftime(?, ts, 'unixepoch') AS bucket, COALESCE(severity,'low'), COUNT(*)
		FROM events
		WHERE ts >= ? AND ts <= ? AND type IN (?, ?)
		GROUP BY bucket, severity
		ORDER BY bucket`,
		format, start, end, models.EventScanResult, models.EventFastEvent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byBucket := map[string]*TimeseriesBucket{}
	var order []string
	for rows.Next() {
		var name, severity string
		var count int
		if err := rows.Scan(&name, &severity, &count); err != nil {
			return nil, err
		}
		tb, ok := byBucket[name]
		if !ok {
			tb = &TimeseriesBucket{Bucket: name}
			byBucket[name] = tb
			order = append(order, name)
		}
		switch models.ParseSeverity(severity) {
		case models.SeverityCritical:
			tb.Critical += count
		case models.SeverityHigh:
			tb.High += count
		case models.SeverityMedium:
			tb.Medium += count
		default:
			tb.Low += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TimeseriesBucket, 0, len(order))
	for _, name := range order {
		out = append(out, *byBucket[name])
	}
	return out, nil
}
