package strategies

import (
	"context"

	"github.com/clusterlens/decider/pkg/engine"
)

// Dummy proposes a fixed sequence of no-op actions. It exists to exercise the
// pipeline end to end.
type Dummy struct{}

// NewDummy returns the dummy strategy.
func NewDummy() *Dummy { return &Dummy{} }

func (d *Dummy) Name() string     { return "dummy" }
func (d *Dummy) GoalName() string { return "dummy" }

// Execute implements engine.StrategyPlugin.
func (d *Dummy) Execute(ctx context.Context, req engine.ExecuteRequest) ([]engine.ProposedAction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Cancel.Cancelled() {
		return nil, engine.ErrCancelled
	}
	return []engine.ProposedAction{
		{ActionType: ActionNop, InputParameters: map[string]interface{}{"message": "Welcome"}},
		{ActionType: ActionSleep, InputParameters: map[string]interface{}{"duration": 5.0}},
		{ActionType: ActionNop, InputParameters: map[string]interface{}{"message": "Goodbye"}},
	}, nil
}
