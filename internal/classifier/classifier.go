// Package classifier turns a melanoma probability into a verdict.
package classifier

import (
	"math"
)

// Threshold separates the two labels. A probability equal to the threshold
// is Benign.
const Threshold float32 = 0.5

const (
	LabelBenign   = "Benign"
	LabelMelanoma = "Melanoma"

	RiskLow  = "low"
	RiskHigh = "high"
)

var details = map[string]string{
	LabelBenign:   "The lesion appears to have regular borders and consistent coloration, which are typically associated with benign moles.",
	LabelMelanoma: "The lesion exhibits characteristics commonly associated with melanoma, including irregular borders and varied coloration.",
}

var recommendations = map[string][]string{
	RiskLow: {
		"Continue monitoring the patient's lesion for changes",
		"Recommend regular dermatological check-ups",
		"Advise patient on sun protection measures",
		"Document findings in patient's medical record",
	},
	RiskHigh: {
		"Refer patient to dermatologist immediately",
		"Schedule urgent dermatological consultation",
		"Advise patient to avoid sun exposure to the area",
		"Document high-risk findings in patient's medical record",
		"Consider biopsy evaluation",
	},
}

// Result is the verdict for one image.
type Result struct {
	Prediction string  `json:"prediction" msgpack:"prediction"`
	Confidence float64 `json:"confidence" msgpack:"confidence"`
	RiskLevel  string  `json:"riskLevel" msgpack:"riskLevel"`
	Details    string  `json:"details" msgpack:"details"`
}

// Classify maps P(Melanoma) to a Result. The caller must have checked that
// probability is finite and within [0, 1].
func Classify(probability float32) Result {
	label := LabelBenign
	confidence := 1 - probability
	if probability > Threshold {
		label = LabelMelanoma
		confidence = probability
	}

	return Result{
		Prediction: label,
		Confidence: RoundPercent(float64(confidence) * 100),
		RiskLevel:  RiskLevel(label),
		Details:    details[label],
	}
}

// RoundPercent rounds to two decimals, halves away from zero.
func RoundPercent(pct float64) float64 {
	return math.Round(pct*100) / 100
}

// RiskLevel is derived from the label only.
func RiskLevel(label string) string {
	if label == LabelMelanoma {
		return RiskHigh
	}
	return RiskLow
}

// Details returns the fixed explanation for label and whether label is known.
func Details(label string) (string, bool) {
	d, ok := details[label]
	return d, ok
}

// ValidLabel reports whether label is one of the two verdicts.
func ValidLabel(label string) bool {
	_, ok := details[label]
	return ok
}

// Recommendations returns a copy of the follow-up steps for a risk level.
func Recommendations(riskLevel string) []string {
	recs := recommendations[riskLevel]
	out := make([]string, len(recs))
	copy(out, recs)
	return out
}
