package models

import "encoding/json"

// Severity is the ordered danger label attached to every scan result.
// The order is low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Rank returns the position of s in the severity order. Unknown labels rank
// as low so that malformed input can never gate an enforcement action.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s >= min in the severity order.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity normalizes a free-form label to a known Severity,
// defaulting to low.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	}
	return SeverityLow
}

// Threat categories produced by the category vote.
const (
	CategoryRansomware = "ransomware"
	CategoryMalware    = "malware"
	CategoryPhishing   = "phishing"
	CategoryTrojan     = "trojan"
	CategoryWorm       = "worm"
	CategorySpyware    = "spyware"
	CategoryUnknown    = "unknown"
)

// FileFeatures is the numeric feature vector consumed by the anomaly model.
// Field names line up with the artifact's declared feature order.
type FileFeatures struct {
	Entropy      float64 `json:"entropy"`
	FilesizeKB   float64 `json:"filesize_kb"`
	IsExecutable float64 `json:"is_executable"`
	IsOfficeDoc  float64 `json:"is_office_doc"`
	IsArchive    float64 `json:"is_archive"`
	IsScript     float64 `json:"is_script"`
	MimeIsPDF    float64 `json:"mime_is_pdf"`
}

// Get returns the named feature or 0 when the artifact asks for a feature
// this extractor does not compute.
func (f FileFeatures) Get(name string) float64 {
	switch name {
	case "entropy":
		return f.Entropy
	case "filesize_kb", "size_kb":
		return f.FilesizeKB
	case "is_executable":
		return f.IsExecutable
	case "is_office_doc":
		return f.IsOfficeDoc
	case "is_archive":
		return f.IsArchive
	case "is_script":
		return f.IsScript
	case "mime_is_pdf":
		return f.MimeIsPDF
	}
	return 0
}

// FileMeta bundles everything the feature extractor learns about one file.
type FileMeta struct {
	Path        string       `json:"path"`
	Name        string       `json:"name"`
	Ext         string       `json:"ext"`
	Mime        string       `json:"mime"`
	Size        int64        `json:"size"`
	SHA256      string       `json:"sha256"`
	TextSnippet string       `json:"-"`
	Features    FileFeatures `json:"features"`
}

// SignatureReport is the output of the in-memory rule-set matcher.
type SignatureReport struct {
	Hits  []string `json:"hits"`
	Votes []string `json:"votes"`
	Score float64  `json:"score"`
}

// HasHit reports whether the named tag appears in Hits.
func (r SignatureReport) HasHit(tag string) bool {
	for _, h := range r.Hits {
		if h == tag {
			return true
		}
	}
	return false
}

// AnomalyReport is the output of the isolation-forest scorer. Raw follows
// the decision-function sign convention: larger values mean more typical.
type AnomalyReport struct {
	IsAnomaly bool    `json:"is_anomaly"`
	Raw       float64 `json:"raw"`
}

// EmailHeaderReport carries the header-inspection risk and its reasons.
type EmailHeaderReport struct {
	Risk  float64  `json:"risk"`
	Flags []string `json:"flags"`
}

// NlpReport is the output of the text/phishing analyzer.
type NlpReport struct {
	Lang                string            `json:"lang"`
	Score               float64           `json:"score"`
	SuspiciousSentences []string          `json:"suspicious_sentences"`
	EmailHeader         EmailHeaderReport `json:"email_header"`
}

// ReputationReport is the normalized multi-engine verdict for a hash.
// DetectedBy counts the engines flagging the sample malicious; Vendors
// lists them by name.
type ReputationReport struct {
	DetectedBy     int      `json:"detected_by"`
	Suspicious     int      `json:"suspicious"`
	Undetected     int      `json:"undetected"`
	DetectionRatio float64  `json:"detection_ratio"`
	Vendors        []string `json:"vendors,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	Verdict        string   `json:"verdict"`
	Permalink      string   `json:"permalink,omitempty"`
}

// SignatureProvenance records an offline signature-DB hit attached to a
// result after fusion.
type SignatureProvenance struct {
	Provider string `json:"provider"`
	Family   string `json:"family,omitempty"`
	Type     string `json:"type,omitempty"`
	By       string `json:"by"`
}

// Policy actions.
const (
	ActionSimulate   = "simulate"
	ActionNone       = "none"
	ActionRename     = "rename"
	ActionQuarantine = "quarantine"
	ActionError      = "error"
)

// PolicyOutcome is the enforcement decision applied after scoring.
type PolicyOutcome struct {
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ScanResult is the fused per-file verdict: one row per scan call,
// persisted and published on the event bus.
type ScanResult struct {
	ID            string                `json:"id"`
	Path          string                `json:"path"`
	Name          string                `json:"name"`
	Ext           string                `json:"ext"`
	Mime          string                `json:"mime"`
	Size          int64                 `json:"size"`
	SHA256        string                `json:"sha256"`
	Signature     SignatureReport       `json:"signature"`
	AI            AnomalyReport         `json:"ai"`
	Nlp           NlpReport             `json:"nlp"`
	Reputation    ReputationReport      `json:"reputation"`
	ThreatScore   float64               `json:"threat_score"`
	Severity      Severity              `json:"severity"`
	Category      string                `json:"category"`
	SignatureHits []SignatureProvenance `json:"signature_hits,omitempty"`
	Policy        PolicyOutcome         `json:"policy"`
	Timestamp     string                `json:"timestamp"`
}

// Event types recognized by the store and the dashboards.
const (
	EventFastEvent    = "fast_event"
	EventScanResult   = "scan_result"
	EventScanError    = "scan_error"
	EventSignatureHit = "signature_hit"
	EventWatchStarted = "watch_started"
	EventWatchStopped = "watch_stopped"
)

// Event is one row of the persistent event log. Payload holds the full
// original JSON document; the remaining columns are extracted for querying.
type Event struct {
	ID       int64           `json:"id"`
	TS       float64         `json:"ts"`
	Type     string          `json:"type"`
	Path     string          `json:"path,omitempty"`
	Severity string          `json:"severity,omitempty"`
	Action   string          `json:"action,omitempty"`
	Source   string          `json:"source,omitempty"`
	DeviceID string          `json:"device_id,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

// Device is one registered endpoint agent, upserted by id on every event
// that carries an agent descriptor.
type Device struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	OS       string         `json:"os,omitempty"`
	Arch     string         `json:"arch,omitempty"`
	Version  string         `json:"version,omitempty"`
	LastSeen float64        `json:"last_seen"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// SignatureRecord is one row of the offline hash-addressed signature DB.
type SignatureRecord struct {
	SHA256    string         `json:"sha256,omitempty"`
	MD5       string         `json:"md5,omitempty"`
	Family    string         `json:"family,omitempty"`
	Type      string         `json:"type,omitempty"`
	Severity  Severity       `json:"severity"`
	Source    string         `json:"source"`
	FirstSeen int64          `json:"first_seen"`
	LastSeen  int64          `json:"last_seen"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// ScanJob is one unit of work on the deep-scan queue.
type ScanJob struct {
	Type string  `json:"type"`
	Path string  `json:"path"`
	TS   float64 `json:"ts"`
}
