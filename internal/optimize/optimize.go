// Package optimize adds backups and a traffic adjustment to a matched
// resource.
package optimize

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/linnemanlabs/carepath/internal/resource"
)

// Backup limits per resource kind.
const (
	MaxHospitalBackups  = 2
	MaxAmbulanceBackups = 1
)

const (
	ambulanceMinutesPerKM = 2.5
	urgentRoadSpeedKMH    = 50.0
	normalRoadSpeedKMH    = 35.0
	minHospitalETA        = 5
)

// ErrNoPrimary means the input carried no primary resource.
var ErrNoPrimary = errors.New("no primary resource")

// Input is a matched primary and the ranked pool it was chosen from.
type Input struct {
	CaseID   string
	Kind     resource.Kind
	Priority int
	Primary  resource.Candidate
	Pool     []resource.Candidate
}

// Adjustment is the traffic and load estimate attached to an assignment.
type Adjustment struct {
	DelayMinutes int    `json:"delay_minutes"`
	Congestion   string `json:"congestion"`
	ETAMinutes   int    `json:"eta_minutes"`
	RushHour     bool   `json:"rush_hour"`
	WaitMinutes  int    `json:"wait_minutes,omitempty"`
}

// Assignment is an optimized resource assignment. ReceivingHospital is set
// on ambulance dispatches: the emergency department the patient is taken to.
type Assignment struct {
	Primary           resource.Candidate   `json:"primary"`
	Backups           []resource.Candidate `json:"backups"`
	Adjustment        Adjustment           `json:"adjustment"`
	Notes             string               `json:"adjustment_notes"`
	ReceivingHospital *resource.Candidate  `json:"receiving_hospital,omitempty"`
}

// Reinput turns an assignment back into optimizer input. Optimizing the
// result again yields the same backups.
func (a Assignment) Reinput(caseID string, priority int) Input {
	pool := make([]resource.Candidate, 0, len(a.Backups)+1)
	pool = append(pool, a.Primary)
	pool = append(pool, a.Backups...)
	return Input{CaseID: caseID, Kind: a.Primary.Kind, Priority: priority, Primary: a.Primary, Pool: pool}
}

// Optimizer builds assignments.
type Optimizer struct {
	traffic TrafficModel
}

// New returns an Optimizer. A nil model means no traffic delay.
func New(traffic TrafficModel) *Optimizer {
	if traffic == nil {
		traffic = FixedTraffic{Congestion: CongestionLight}
	}
	return &Optimizer{traffic: traffic}
}

// Optimize selects backups and estimates the adjustment for in.
func (o *Optimizer) Optimize(ctx context.Context, in Input) (Assignment, error) {
	if err := ctx.Err(); err != nil {
		return Assignment{}, err
	}
	if in.Primary.ID == "" {
		return Assignment{}, ErrNoPrimary
	}

	kind := in.Kind
	if kind == "" {
		kind = in.Primary.Kind
	}

	backups := SelectBackups(in.Primary.ID, in.Pool, backupLimit(kind))
	tr := o.traffic.Sample()
	adj := estimate(kind, in.Priority, in.Primary, tr)

	return Assignment{
		Primary:    in.Primary.Clone(),
		Backups:    backups,
		Adjustment: adj,
		Notes:      notes(in.Primary, adj, len(backups)),
	}, nil
}

// SelectBackups returns up to limit candidates from pool in pool order,
// skipping primaryID and repeated ids.
func SelectBackups(primaryID string, pool []resource.Candidate, limit int) []resource.Candidate {
	out := make([]resource.Candidate, 0, limit)
	seen := map[string]struct{}{primaryID: {}}
	for i := range pool {
		if len(out) == limit {
			break
		}
		id := pool[i].ID
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, pool[i].Clone())
	}
	return out
}

func backupLimit(kind resource.Kind) int {
	if kind == resource.KindAmbulance {
		return MaxAmbulanceBackups
	}
	return MaxHospitalBackups
}

func estimate(kind resource.Kind, priority int, primary resource.Candidate, tr Traffic) Adjustment {
	factor := 1.0
	if tr.RushHour {
		factor = rushHourFactor
	}

	var travel float64
	if kind == resource.KindAmbulance {
		travel = primary.DistanceKM * ambulanceMinutesPerKM
	} else {
		speed := normalRoadSpeedKMH
		if priority >= 4 {
			speed = urgentRoadSpeedKMH
		}
		travel = primary.DistanceKM * 60 / speed
	}

	delay := max(0, min(MaxDelayMinutes, tr.DelayMinutes))
	// round to hundredths first so float noise never adds a minute
	eta := int(math.Ceil(math.Round(travel*factor*100)/100)) + delay

	adj := Adjustment{
		DelayMinutes: delay,
		Congestion:   CongestionFor(delay),
		RushHour:     tr.RushHour,
	}
	if kind == resource.KindAmbulance {
		adj.ETAMinutes = max(1, eta)
	} else {
		adj.ETAMinutes = max(minHospitalETA, eta)
		adj.WaitMinutes = resource.EstimatedWaitMinutes(primary.Load)
	}
	return adj
}

func notes(primary resource.Candidate, adj Adjustment, backups int) string {
	s := fmt.Sprintf("%s at %.1f km, congestion %s (+%d min), ETA %d min",
		primary.ID, primary.DistanceKM, adj.Congestion, adj.DelayMinutes, adj.ETAMinutes)
	if adj.RushHour {
		s += ", rush hour"
	}
	if adj.WaitMinutes > 0 {
		s += fmt.Sprintf(", expected wait %d min", adj.WaitMinutes)
	}
	return s + fmt.Sprintf(", %d backup(s)", backups)
}
