package classifier

import (
	"math"
	"sort"
)

const smoothingAlpha = 1.0

// naiveBayes is a multinomial Naive Bayes model over TF-IDF features.
type naiveBayes struct {
	Version        string      `json:"version"`
	Classes        []string    `json:"classes"`
	ClassLogPrior  []float64   `json:"class_log_prior"`
	FeatureLogProb [][]float64 `json:"feature_log_prob"`
}

func fitNaiveBayes(vectors []map[int]float64, labels []string, nFeatures int, version string) *naiveBayes {
	classIndex := map[string]int{}
	for _, l := range labels {
		classIndex[l] = 0
	}
	classes := make([]string, 0, len(classIndex))
	for c := range classIndex {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	for i, c := range classes {
		classIndex[c] = i
	}

	classDocs := make([]float64, len(classes))
	featureCount := make([][]float64, len(classes))
	for i := range featureCount {
		featureCount[i] = make([]float64, nFeatures)
	}
	for i, vec := range vectors {
		c := classIndex[labels[i]]
		classDocs[c]++
		for idx, w := range vec {
			featureCount[c][idx] += w
		}
	}

	m := &naiveBayes{
		Version:        version,
		Classes:        classes,
		ClassLogPrior:  make([]float64, len(classes)),
		FeatureLogProb: make([][]float64, len(classes)),
	}
	total := float64(len(vectors))
	for c := range classes {
		m.ClassLogPrior[c] = math.Log(classDocs[c] / total)
		var sum float64
		for _, fc := range featureCount[c] {
			sum += fc
		}
		denom := sum + smoothingAlpha*float64(nFeatures)
		m.FeatureLogProb[c] = make([]float64, nFeatures)
		for j, fc := range featureCount[c] {
			m.FeatureLogProb[c][j] = math.Log((fc + smoothingAlpha) / denom)
		}
	}
	return m
}

// predict returns the most probable class and its posterior probability.
func (m *naiveBayes) predict(vec map[int]float64) (string, float64) {
	if len(m.Classes) == 0 {
		return "", 0
	}
	joint := make([]float64, len(m.Classes))
	best := 0
	for c := range m.Classes {
		score := m.ClassLogPrior[c]
		for idx, w := range vec {
			if idx < len(m.FeatureLogProb[c]) {
				score += w * m.FeatureLogProb[c][idx]
			}
		}
		joint[c] = score
		if score > joint[best] {
			best = c
		}
	}

	var sum float64
	for _, s := range joint {
		sum += math.Exp(s - joint[best])
	}
	return m.Classes[best], 1 / sum
}
