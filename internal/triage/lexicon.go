package triage

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/linnemanlabs/carepath/internal/patient"
)

// Vital sign thresholds that make a case an emergency on their own.
const (
	tachycardiaBPM = 120
	bradycardiaBPM = 50
	hypoxiaSpO2    = 90
)

// emergencyLexicon is matched as case-insensitive substrings of the description.
var emergencyLexicon = []string{
	"ngất",
	"hôn mê",
	"co giật",
	"khó thở nặng",
	"đau ngực dữ dội",
	"chảy máu nhiều",
	"sốc",
	"đột quỵ",
	"nhồi máu",
}

// severityIndicators feed the clinical score.
var severityIndicators = []string{
	"khó thở",
	"đau ngực",
	"choáng váng",
	"bất tỉnh",
	"co giật",
}

// IsEmergency reports whether the description hits the emergency lexicon or
// the vitals cross a critical threshold. Zero vitals are unmeasured.
func IsEmergency(description string, v patient.Vitals) bool {
	if len(matchLexicon(description, emergencyLexicon)) > 0 {
		return true
	}
	return criticalVitals(v)
}

// EmergencyTerms returns the lexicon entries found in description.
func EmergencyTerms(description string) []string {
	return matchLexicon(description, emergencyLexicon)
}

func criticalVitals(v patient.Vitals) bool {
	if v.HeartRate > 0 && (v.HeartRate > tachycardiaBPM || v.HeartRate < bradycardiaBPM) {
		return true
	}
	return v.SpO2 > 0 && v.SpO2 < hypoxiaSpO2
}

// matchLexicon compares in NFC so decomposed Vietnamese input (common from
// macOS and iOS keyboards) matches the precomposed terms.
func matchLexicon(text string, lexicon []string) []string {
	lower := strings.ToLower(norm.NFC.String(text))
	var hits []string
	for _, term := range lexicon {
		if strings.Contains(lower, norm.NFC.String(term)) {
			hits = append(hits, term)
		}
	}
	return hits
}
