package agents

import (
	"context"

	"github.com/linnemanlabs/carepath/internal/workflow"
)

const senderIntake = "intake"

// Intake hands stored records to the worker pipeline by publishing new_case.
type Intake struct {
	pub workflow.Publisher
}

var _ workflow.Dispatcher = (*Intake)(nil)

// NewIntake creates an Intake publishing on pub.
func NewIntake(pub workflow.Publisher) *Intake {
	return &Intake{pub: pub}
}

// Dispatch publishes new_case for r.
func (i *Intake) Dispatch(ctx context.Context, r *workflow.Result) error {
	p, err := NewCaseEvent(r.Case)
	if err != nil {
		return err
	}
	i.pub.Publish(ctx, TopicNewCase, p, senderIntake)
	return nil
}
