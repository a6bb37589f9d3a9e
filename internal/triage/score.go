package triage

import (
	"math"

	"github.com/linnemanlabs/carepath/internal/patient"
)

// Blend weights.
const (
	fullTextWeight     = 0.3
	fullImageWeight    = 0.3
	fullCombinedWeight = 0.4

	pairTextWeight  = 0.6
	pairImageWeight = 0.4
)

// Blend computes the weighted priority from the available sub-scores.
// All three use 0.3/0.3/0.4; text and image alone use 0.6/0.4; a single
// sub-score stands on its own. ok is false when there is nothing to blend.
func Blend(s SubScores) (priority int, ok bool) {
	var raw float64
	switch {
	case s.Text != nil && s.Image != nil && s.Combined != nil:
		raw = fullTextWeight*float64(*s.Text) +
			fullImageWeight*float64(*s.Image) +
			fullCombinedWeight*float64(*s.Combined)
	case s.Text != nil && s.Image != nil:
		raw = pairTextWeight*float64(*s.Text) + pairImageWeight*float64(*s.Image)
	case s.Text != nil:
		raw = float64(*s.Text)
	case s.Image != nil:
		raw = float64(*s.Image)
	case s.Combined != nil:
		raw = float64(*s.Combined)
	default:
		return 0, false
	}
	return patient.ClampPriority(int(math.Round(raw))), true
}

// ClinicalScore rates a case from symptom count, severity keywords in the
// description and vitals. It is the combined sub-score.
func ClinicalScore(symptoms []string, description string, v patient.Vitals) int {
	score := 1
	score += min(len(symptoms)/2, 1)
	score += min(len(matchLexicon(description, severityIndicators)), 2)
	if v.HeartRate > tachycardiaBPM {
		score++
	}
	if v.SpO2 > 0 && v.SpO2 < hypoxiaSpO2 {
		score += 2
	}
	return min(score, patient.MaxPriority)
}

// Assess scores a case with all three sub-scores. The combined score is
// only computed when both text and image classifications are present.
func Assess(c *patient.Case, ex Extraction) Assessment {
	return assess(c, ex, true)
}

// AssessPair scores a case from the text and image sub-scores only.
func AssessPair(c *patient.Case, ex Extraction) Assessment {
	return assess(c, ex, false)
}

func assess(c *patient.Case, ex Extraction, withCombined bool) Assessment {
	a := Assessment{Specialty: patient.SpecialtyGeneral}

	if ex.Text != nil {
		p := ex.Text.Priority
		a.Scores.Text = &p
		a.Specialty = ex.Text.Specialty
		a.Symptoms = append(a.Symptoms, ex.Text.Symptoms...)
	}
	if ex.Image != nil {
		r := ex.Image.RiskLevel
		a.Scores.Image = &r
		a.Findings = append(a.Findings, ex.Image.Findings...)
	}
	if withCombined && ex.Text != nil && ex.Image != nil {
		cs := ClinicalScore(a.Symptoms, c.Description, c.Vitals)
		a.Scores.Combined = &cs
	}

	if p, ok := Blend(a.Scores); ok {
		a.Priority = p
	} else {
		a.Priority = patient.DefaultPriority
		a.Defaulted = true
	}

	a.EmergencyTerms = EmergencyTerms(c.Description)
	a.IsEmergency = len(a.EmergencyTerms) > 0 || criticalVitals(c.Vitals)
	if a.IsEmergency {
		a.Priority = patient.MaxPriority
	}
	return a
}
