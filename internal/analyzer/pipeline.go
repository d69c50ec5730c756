package analyzer

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sentrix/scan-engine/pkg/models"
)

// ReputationLookup is the slice of the reputation client the pipeline
// needs. A nil lookup (no API key) skips the stage entirely.
type ReputationLookup interface {
	LookupHash(ctx context.Context, sha256 string) (models.ReputationReport, error)
}

// Engine runs the full per-file detection pipeline: feature extraction,
// rule-set matching, anomaly scoring, text analysis, reputation lookup and
// score fusion. All stages are optional-degrading: a missing model or
// unreachable reputation service narrows the verdict, never fails the scan.
type Engine struct {
	matcher *SignatureMatcher
	anomaly *AnomalyScorer
	text    *TextModel
	rep     ReputationLookup
}

func NewEngine(matcher *SignatureMatcher, anomaly *AnomalyScorer, text *TextModel, rep ReputationLookup) *Engine {
	return &Engine{matcher: matcher, anomaly: anomaly, text: text, rep: rep}
}

// ModelLoaded reports whether the anomaly model is available.
func (e *Engine) ModelLoaded() bool {
	return e.anomaly.Available()
}

// ReputationEnabled reports whether hash reputation lookups are configured.
func (e *Engine) ReputationEnabled() bool {
	return e.rep != nil
}

// SignatureVersion returns the active rule-set version identifier.
func (e *Engine) SignatureVersion() string {
	return e.matcher.Version()
}

// ScanFile runs every detection stage against one file and returns the
// fused result. The policy field is left zero for the caller to fill.
func (e *Engine) ScanFile(ctx context.Context, path string) models.ScanResult {
	meta := ExtractFeatures(path)
	rules := e.matcher.RuleSet()

	sig := rules.Match(meta.SHA256, meta.Ext, meta.TextSnippet)
	ai := e.anomaly.Predict(meta.Features)

	var nlp models.NlpReport
	if meta.TextSnippet != "" && e.text != nil {
		nlp = e.text.Analyze(meta.TextSnippet)
	}

	var rep models.ReputationReport
	if e.rep != nil {
		r, err := e.rep.LookupHash(ctx, meta.SHA256)
		if err != nil {
			log.Printf("[Engine] Reputation lookup failed for %s: %v", meta.SHA256, err)
		} else {
			rep = r
		}
	}

	score, severity := FuseThreatScore(sig, ai, nlp, rep)
	category := VoteCategory(sig, nlp, rep)

	return models.ScanResult{
		ID:          uuid.NewString(),
		Path:        meta.Path,
		Name:        meta.Name,
		Ext:         meta.Ext,
		Mime:        meta.Mime,
		Size:        meta.Size,
		SHA256:      meta.SHA256,
		Signature:   sig,
		AI:          ai,
		Nlp:         nlp,
		Reputation:  rep,
		ThreatScore: score,
		Severity:    severity,
		Category:    category,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}
