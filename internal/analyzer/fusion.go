package analyzer

import (
	"math"
	"slices"

	"github.com/sentrix/scan-engine/pkg/models"
)

// Score fusion. Component weights and severity cuts are fixed; the
// reputation verdict dominates, signatures and the anomaly model fill in
// when no engine consensus exists.
const (
	fuseRepWeight = 0.45
	fuseSigWeight = 0.25
	fuseAIWeight  = 0.20
	fuseNlpWeight = 0.10

	sevCritical = 0.80
	sevHigh     = 0.55
	sevMedium   = 0.35

	// NLP score at or above this both casts a phishing vote and, combined
	// with a phishing signature hit, forces the phishing category.
	nlpPhishingThreshold = 0.65

	repSaturation = 8.0
)

// repTagCategories are the reputation tags that count as category votes.
var repTagCategories = map[string]bool{
	models.CategoryRansomware: true,
	models.CategoryTrojan:     true,
	models.CategoryWorm:       true,
	models.CategorySpyware:    true,
	models.CategoryPhishing:   true,
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// aiComponent maps the decision value into [0,1]. Only flagged samples
// contribute; the squashing turns "more negative decision" into "closer
// to 1".
func aiComponent(ai models.AnomalyReport) float64 {
	if !ai.IsAnomaly {
		return 0
	}
	return 1 / (1 + math.Exp(3*ai.Raw))
}

// repComponent saturates at repSaturation flagging engines.
func repComponent(rep models.ReputationReport) float64 {
	return math.Min(1, float64(rep.DetectedBy)/repSaturation)
}

// FuseThreatScore blends the four detector outputs into the final score
// and maps it onto the severity scale.
func FuseThreatScore(sig models.SignatureReport, ai models.AnomalyReport, nlp models.NlpReport, rep models.ReputationReport) (float64, models.Severity) {
	score := fuseRepWeight*repComponent(rep) +
		fuseSigWeight*clamp01(sig.Score) +
		fuseAIWeight*aiComponent(ai) +
		fuseNlpWeight*clamp01(nlp.Score)

	switch {
	case score >= sevCritical:
		return score, models.SeverityCritical
	case score >= sevHigh:
		return score, models.SeverityHigh
	case score >= sevMedium:
		return score, models.SeverityMedium
	}
	return score, models.SeverityLow
}

// VoteCategory runs a majority vote over the signature votes, the
// recognized reputation tags and an NLP phishing vote. Ties resolve to the
// earliest-cast vote. A strong NLP score together with any phishing
// signature hit overrides the vote entirely.
func VoteCategory(sig models.SignatureReport, nlp models.NlpReport, rep models.ReputationReport) string {
	votes := slices.Clone(sig.Votes)
	for _, tag := range rep.Tags {
		if repTagCategories[tag] {
			votes = append(votes, tag)
		}
	}
	if nlp.Score >= nlpPhishingThreshold {
		votes = append(votes, models.CategoryPhishing)
	}

	if nlp.Score >= nlpPhishingThreshold && hasPhishingHit(sig) {
		return models.CategoryPhishing
	}
	if len(votes) == 0 {
		return models.CategoryUnknown
	}

	counts := map[string]int{}
	for _, v := range votes {
		counts[v]++
	}
	// Walk in vote order so a tie keeps the category whose first vote
	// was cast earliest.
	best, bestN := votes[0], 0
	for _, v := range votes {
		if counts[v] > bestN {
			best, bestN = v, counts[v]
		}
	}
	return best
}

func hasPhishingHit(sig models.SignatureReport) bool {
	for _, h := range sig.Hits {
		if len(h) >= 5 && h[:5] == "PHISH" {
			return true
		}
	}
	return false
}
