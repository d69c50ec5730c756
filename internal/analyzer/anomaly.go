package analyzer

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/sentrix/scan-engine/pkg/models"
)

// The anomaly scorer consumes a pre-fit isolation forest exported as a JSON
// bundle {features, trees[, scaler_mean, scaler_scale, offset]}. Inference
// follows the standard construction: the anomaly score is
// 2^(-E[h(x)]/c(psi)) and the decision value is -score - offset, so larger
// decision values mean more typical samples and the outlier class is
// decision < 0.

const eulerGamma = 0.5772156649015329

type forestNode struct {
	// Feature < 0 marks a leaf; Size is then the number of training
	// samples that reached it.
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Size      int     `json:"size"`
}

type forestTree struct {
	Nodes []forestNode `json:"nodes"`
}

type forestArtifact struct {
	Features      []string     `json:"features"`
	ScalerMean    []float64    `json:"scaler_mean"`
	ScalerScale   []float64    `json:"scaler_scale"`
	Trees         []forestTree `json:"trees"`
	SubsampleSize int          `json:"subsample_size"`
	Offset        float64      `json:"offset"`
}

// AnomalyScorer scores feature vectors against the loaded forest. A nil
// scorer (missing or unparseable artifact) is valid and always returns a
// neutral report.
type AnomalyScorer struct {
	art forestArtifact
}

// LoadAnomalyScorer reads the artifact at path. A missing artifact disables
// the detector and is not an error; a malformed one is.
func LoadAnomalyScorer(path string) (*AnomalyScorer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Anomaly] Model not found at %s, AI detector disabled", path)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read anomaly artifact: %v", err)
	}
	var art forestArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, fmt.Errorf("failed to parse anomaly artifact: %v", err)
	}
	if len(art.Trees) == 0 || len(art.Features) == 0 {
		return nil, fmt.Errorf("anomaly artifact has no trees or no feature list")
	}
	if art.SubsampleSize <= 1 {
		art.SubsampleSize = 256
	}
	if art.Offset == 0 {
		art.Offset = -0.5
	}
	log.Printf("[Anomaly] Model loaded: %s (%d trees, features=%v)", path, len(art.Trees), art.Features)
	return &AnomalyScorer{art: art}, nil
}

// Available reports whether a usable model is loaded.
func (s *AnomalyScorer) Available() bool {
	return s != nil && len(s.art.Trees) > 0
}

// Features returns the artifact's declared feature order.
func (s *AnomalyScorer) Features() []string {
	if s == nil {
		return nil
	}
	return s.art.Features
}

// avgPathLength is c(n), the average unsuccessful-search path length of a
// binary search tree with n nodes.
func avgPathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	f := float64(n)
	return 2.0*(math.Log(f-1)+eulerGamma) - 2.0*(f-1)/f
}

func (t *forestTree) pathLength(x []float64) float64 {
	depth := 0.0
	idx := 0
	for {
		node := t.Nodes[idx]
		if node.Feature < 0 || node.Left < 0 {
			return depth + avgPathLength(node.Size)
		}
		if x[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
		depth++
	}
}

// Predict builds the vector strictly in the artifact's declared feature
// order, applies the standardizer when present, and returns the anomaly
// flag plus the raw decision value.
func (s *AnomalyScorer) Predict(feat models.FileFeatures) models.AnomalyReport {
	if !s.Available() {
		return models.AnomalyReport{}
	}

	x := make([]float64, len(s.art.Features))
	for i, name := range s.art.Features {
		x[i] = feat.Get(name)
	}
	if len(s.art.ScalerMean) == len(x) && len(s.art.ScalerScale) == len(x) {
		for i := range x {
			x[i] = (x[i] - s.art.ScalerMean[i]) / (s.art.ScalerScale[i] + 1e-12)
		}
	}

	sum := 0.0
	for i := range s.art.Trees {
		sum += s.art.Trees[i].pathLength(x)
	}
	meanPath := sum / float64(len(s.art.Trees))
	score := math.Pow(2, -meanPath/avgPathLength(s.art.SubsampleSize))

	decision := -score - s.art.Offset
	return models.AnomalyReport{IsAnomaly: decision < 0, Raw: decision}
}
