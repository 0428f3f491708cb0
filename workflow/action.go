package workflow

import (
	"context"

	"github.com/songzhibin97/alertflow/types"
)

// Action defines the interface for action nodes in the workflow.
type Action interface {
	// Execute runs the action against the execution context. The returned
	// value is stored in the context under the node's id.
	Execute(ctx context.Context, cfg types.ActionConfig, data map[string]interface{}) (interface{}, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, cfg types.ActionConfig, data map[string]interface{}) (interface{}, error)

// Execute calls f.
func (f ActionFunc) Execute(ctx context.Context, cfg types.ActionConfig, data map[string]interface{}) (interface{}, error) {
	return f(ctx, cfg, data)
}
