package triage

import (
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/linnemanlabs/carepath/internal/patient"
)

// oracleDefaultPriority is used when the oracle omits a priority or risk level.
const oracleDefaultPriority = 2

// TextClassification is the oracle's reading of the free-text description.
type TextClassification struct {
	Symptoms  []string `json:"symptoms"`
	Priority  int      `json:"priority"`
	Specialty string   `json:"specialty"`
	OnsetTime string   `json:"onset_time"`
}

// ImageClassification is the oracle's reading of the attached images.
type ImageClassification struct {
	Findings  []string `json:"findings"`
	RiskLevel int      `json:"risk_level"`
}

// normalize replaces missing or out-of-range fields with safe defaults.
func (t *TextClassification) normalize() {
	if t.Priority == 0 {
		t.Priority = oracleDefaultPriority
	}
	t.Priority = patient.ClampPriority(t.Priority)
	t.Specialty = strings.TrimSpace(strings.ToLower(norm.NFC.String(t.Specialty)))
	if t.Specialty == "" {
		t.Specialty = patient.SpecialtyGeneral
	}
	t.Symptoms = compact(t.Symptoms)
}

func (i *ImageClassification) normalize() {
	if i.RiskLevel == 0 {
		i.RiskLevel = oracleDefaultPriority
	}
	i.RiskLevel = patient.ClampPriority(i.RiskLevel)
	i.Findings = compact(i.Findings)
}

// Extraction is what the extract stage learned about a case. Either field
// may be nil when the oracle was unavailable or had nothing to classify.
type Extraction struct {
	Text  *TextClassification  `json:"text,omitempty"`
	Image *ImageClassification `json:"image,omitempty"`
}

// SubScores are the inputs to the priority blend. Nil means absent.
type SubScores struct {
	Text     *int `json:"text,omitempty"`
	Image    *int `json:"image,omitempty"`
	Combined *int `json:"combined,omitempty"`
}

// Assessment is the triage outcome for one case.
type Assessment struct {
	Priority       int       `json:"priority"`
	Specialty      string    `json:"specialty"`
	IsEmergency    bool      `json:"is_emergency"`
	Symptoms       []string  `json:"symptoms,omitempty"`
	Findings       []string  `json:"oracle_findings,omitempty"`
	EmergencyTerms []string  `json:"emergency_terms,omitempty"`
	Scores         SubScores `json:"scores"`
	// Defaulted is set when no sub-score existed and the default priority was used.
	Defaulted bool `json:"defaulted,omitempty"`
}

// Apply copies the assessment onto c.
func (a *Assessment) Apply(c *patient.Case) {
	c.Priority = a.Priority
	c.Specialty = a.Specialty
	c.IsEmergency = a.IsEmergency
	if len(a.Symptoms) > 0 {
		c.Symptoms = append([]string(nil), a.Symptoms...)
	}
	if len(a.Findings) > 0 {
		c.Findings = append([]string(nil), a.Findings...)
	}
}

// DefaultAssessment is the conservative substitute used when triage cannot run.
func DefaultAssessment() Assessment {
	return Assessment{
		Priority:  patient.DefaultPriority,
		Specialty: patient.SpecialtyGeneral,
		Defaulted: true,
	}
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
