package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/sentrix/scan-engine/pkg/models"
)

// Rule-set files loaded from the signature directory. Missing files degrade
// to empty sets; unknown keys are ignored.
const (
	fileMalwareSigs    = "malware_signatures.json"
	fileRansomwareSigs = "ransomware_signatures.json"
	filePhishingSigs   = "phishing_signatures.json"
)

// Signature hit weights. Hash matches dominate; keyword and extension hits
// are circumstantial.
const (
	weightHash    = 0.60
	weightDomain  = 0.30
	weightKeyword = 0.25
	weightExt     = 0.25
)

type sigDocument struct {
	Hashes               []string `json:"hashes"`
	Keywords             []string `json:"keywords"`
	SuspiciousExtensions []string `json:"suspicious_extensions"`
	Extensions           []string `json:"extensions"`
	Domains              []string `json:"domains"`
}

// RuleSet is the immutable, lowercased view of the three signature
// documents. It is read-only after load; Reload swaps the whole snapshot.
type RuleSet struct {
	Version string

	ransomHashes map[string]bool
	ransomKw     []string
	ransomExt    map[string]bool

	malHashes map[string]bool
	malKw     []string
	malExt    map[string]bool

	phishKw      []string
	phishDomains map[string]bool
	phishExt     map[string]bool
}

// SignatureMatcher holds the active rule set behind an atomic pointer so
// in-flight scans keep the snapshot they started with.
type SignatureMatcher struct {
	dir     string
	current atomic.Pointer[RuleSet]
}

// NewSignatureMatcher loads the rule sets from dir. Load failures leave the
// matcher operational with whatever parsed.
func NewSignatureMatcher(dir string) *SignatureMatcher {
	m := &SignatureMatcher{dir: dir}
	m.current.Store(loadRuleSet(dir))
	return m
}

// Reload re-reads the signature directory and swaps the snapshot.
func (m *SignatureMatcher) Reload() {
	m.current.Store(loadRuleSet(m.dir))
	log.Printf("[Signatures] Rule sets reloaded, version %s", m.Version())
}

// RuleSet returns the active snapshot.
func (m *SignatureMatcher) RuleSet() *RuleSet {
	return m.current.Load()
}

// Version returns the active rule-set version identifier.
func (m *SignatureMatcher) Version() string {
	return m.current.Load().Version
}

func loadJSONDoc(path string) sigDocument {
	var doc sigDocument
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Printf("[Signatures] Failed to parse %s: %v", path, err)
	}
	return doc
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		if it = strings.ToLower(strings.TrimSpace(it)); it != "" {
			set[it] = true
		}
	}
	return set
}

func loadRuleSet(dir string) *RuleSet {
	ransom := loadJSONDoc(filepath.Join(dir, fileRansomwareSigs))
	malware := loadJSONDoc(filepath.Join(dir, fileMalwareSigs))
	phishing := loadJSONDoc(filepath.Join(dir, filePhishingSigs))

	rs := &RuleSet{
		Version:      ruleSetVersion(dir),
		ransomHashes: toSet(ransom.Hashes),
		ransomKw:     ransom.Keywords,
		ransomExt:    toSet(ransom.SuspiciousExtensions),
		malHashes:    toSet(malware.Hashes),
		malKw:        malware.Keywords,
		malExt:       toSet(malware.SuspiciousExtensions),
		phishKw:      phishing.Keywords,
		phishDomains: toSet(phishing.Domains),
		phishExt:     toSet(phishing.Extensions),
	}
	log.Printf("[Signatures] Loaded rule sets from %s (version %s)", dir, rs.Version)
	return rs
}

// ruleSetVersion is the first 12 hex characters of SHA-256 over the
// concatenation of the signature files sorted by name.
func ruleSetVersion(dir string) string {
	names := []string{fileMalwareSigs, filePhishingSigs, fileRansomwareSigs}
	sort.Strings(names)
	h := sha256.New()
	for _, n := range names {
		if raw, err := os.ReadFile(filepath.Join(dir, n)); err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:12]
}

func countKeywords(keywords []string, textLower string) int {
	n := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(textLower, strings.ToLower(kw)) {
			n++
		}
	}
	return n
}

// Match evaluates one file against the rule set. sha256 and ext must be
// lowercased (ext with leading dot); text is the extracted snippet.
// The partial score is the capped sum of per-hit weights.
func (rs *RuleSet) Match(sha256Hex, ext, text string) models.SignatureReport {
	var hits, votes []string

	if rs.ransomHashes[sha256Hex] {
		hits = append(hits, "RANSOM_HASH")
		votes = append(votes, models.CategoryRansomware)
	}
	if rs.malHashes[sha256Hex] {
		hits = append(hits, "MALWARE_HASH")
		votes = append(votes, models.CategoryMalware)
	}
	if rs.ransomExt[ext] {
		hits = append(hits, "RANSOM_EXT")
		votes = append(votes, models.CategoryRansomware)
	}
	if rs.malExt[ext] {
		hits = append(hits, "MALWARE_EXT")
		votes = append(votes, models.CategoryMalware)
	}
	if rs.phishExt[ext] {
		hits = append(hits, "PHISH_EXT")
		votes = append(votes, models.CategoryPhishing)
	}

	tl := strings.ToLower(text)
	if n := countKeywords(rs.ransomKw, tl); n > 0 {
		hits = append(hits, fmt.Sprintf("RANSOM_KW(%d)", n))
		votes = append(votes, models.CategoryRansomware)
	}
	if n := countKeywords(rs.malKw, tl); n > 0 {
		hits = append(hits, fmt.Sprintf("MALWARE_KW(%d)", n))
		votes = append(votes, models.CategoryMalware)
	}
	if n := countKeywords(rs.phishKw, tl); n > 0 {
		hits = append(hits, fmt.Sprintf("PHISH_KW(%d)", n))
		votes = append(votes, models.CategoryPhishing)
	}
	for domain := range rs.phishDomains {
		if strings.Contains(tl, domain) {
			hits = append(hits, "PHISH_DOMAIN")
			votes = append(votes, models.CategoryPhishing)
			break
		}
	}

	score := 0.0
	for _, tag := range hits {
		switch {
		case strings.Contains(tag, "HASH"):
			score += weightHash
		case strings.Contains(tag, "DOMAIN"):
			score += weightDomain
		case strings.Contains(tag, "EXT"):
			score += weightExt
		case strings.Contains(tag, "KW"):
			score += weightKeyword
		}
	}
	if score > 1.0 {
		score = 1.0
	}

	return models.SignatureReport{Hits: hits, Votes: votes, Score: score}
}
