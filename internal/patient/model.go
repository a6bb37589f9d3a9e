// Package patient defines the case model shared by every pipeline stage.
package patient

import (
	"errors"
	"fmt"
	"strings"

	"github.com/linnemanlabs/carepath/internal/geo"
)

// Priority bounds. Priority is always an integer clamped to this range.
const (
	MinPriority = 1
	MaxPriority = 5

	// DefaultPriority is substituted when input is missing or malformed.
	DefaultPriority = 3
)

// SpecialtyGeneral is the specialty used when nothing more specific is known.
const SpecialtyGeneral = "general"

// ErrValidation marks input that could not be used as given and was defaulted.
var ErrValidation = errors.New("invalid case input")

// Vitals are the measured vital signs. A zero value means not measured.
type Vitals struct {
	HeartRate     int     `json:"heart_rate,omitempty"`
	SpO2          int     `json:"spo2,omitempty"`
	BloodPressure string  `json:"blood_pressure,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
}

// IsZero reports whether no vital sign was measured.
func (v Vitals) IsZero() bool {
	return v.HeartRate == 0 && v.SpO2 == 0 && v.BloodPressure == "" && v.Temperature == 0
}

// Input is the raw intake for a new case.
type Input struct {
	Description string    `json:"description"`
	Images      []string  `json:"images,omitempty"`
	Location    geo.Point `json:"location"`
	Vitals      Vitals    `json:"vitals"`
	OnsetTime   string    `json:"onset_time,omitempty"`
	History     []string  `json:"history,omitempty"`
}

// Validate reports whether the input carries enough to triage.
func (in *Input) Validate() error {
	var errs []error
	if strings.TrimSpace(in.Description) == "" && in.Vitals.IsZero() && len(in.Images) == 0 {
		errs = append(errs, errors.New("description, vitals or images required"))
	}
	if !in.Location.Valid() {
		errs = append(errs, fmt.Errorf("location out of range (%v, %v)", in.Location.Lat, in.Location.Lon))
	}
	if in.Vitals.HeartRate < 0 || in.Vitals.SpO2 < 0 || in.Vitals.SpO2 > 100 {
		errs = append(errs, fmt.Errorf("vitals out of range (heart_rate=%d, spo2=%d)", in.Vitals.HeartRate, in.Vitals.SpO2))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return nil
}

// Case is a patient case as it moves through the pipeline. Each stage fills
// in its own fields; nothing removes them.
type Case struct {
	ID          string    `json:"case_id"`
	Description string    `json:"description"`
	Images      []string  `json:"-"`
	Vitals      Vitals    `json:"vitals"`
	Location    geo.Point `json:"location"`
	Symptoms    []string  `json:"symptoms,omitempty"`
	Findings    []string  `json:"oracle_findings,omitempty"`
	Priority    int       `json:"priority"`
	Specialty   string    `json:"specialty"`
	IsEmergency bool      `json:"is_emergency"`
	OnsetTime   string    `json:"onset_time,omitempty"`
	History     []string  `json:"history,omitempty"`
}

// NewCase builds a case from intake. Invalid coordinates and negative vitals
// are dropped rather than rejected.
func NewCase(id string, in *Input) *Case {
	c := &Case{
		ID:          id,
		Description: strings.TrimSpace(in.Description),
		Images:      append([]string(nil), in.Images...),
		Vitals:      in.Vitals,
		Location:    in.Location,
		OnsetTime:   in.OnsetTime,
		History:     append([]string(nil), in.History...),
		Priority:    DefaultPriority,
		Specialty:   SpecialtyGeneral,
	}
	if !c.Location.Valid() {
		c.Location = geo.Point{}
	}
	if c.Vitals.HeartRate < 0 {
		c.Vitals.HeartRate = 0
	}
	if c.Vitals.SpO2 < 0 || c.Vitals.SpO2 > 100 {
		c.Vitals.SpO2 = 0
	}
	return c
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}
