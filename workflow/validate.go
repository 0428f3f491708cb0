package workflow

import (
	"sort"
	"strconv"
	"strings"

	"github.com/songzhibin97/alertflow/types"
)

// buildNodes validates spec and returns a copy of its nodes with missing ids
// filled in.
func (e *WorkflowEngine) buildNodes(spec types.WorkflowSpec) ([]types.Node, error) {
	if err := types.Validate(spec); err != nil {
		return nil, err
	}

	nodes := make([]types.Node, len(spec.Nodes))
	for i, n := range spec.Nodes {
		nodes[i] = n.Clone()
		if nodes[i].ID != "" {
			continue
		}
		id, err := e.generate.NextID()
		if err != nil {
			return nil, err
		}
		nodes[i].ID = "node-" + strconv.FormatUint(id, 10)
	}

	if err := e.validateNodes(nodes); err != nil {
		return nil, err
	}
	if err := validateGraph(nodes); err != nil {
		return nil, err
	}

	if spec.Trigger == types.TriggerEvent {
		wf := types.Workflow{Event: spec.Event, Nodes: nodes}
		if wf.EventName() == "" {
			return nil, types.NewValidationError("event", "event-triggered workflow needs an event name")
		}
	}
	return nodes, nil
}

// validateNodes checks each node's typed config against its type.
func (e *WorkflowEngine) validateNodes(nodes []types.Node) error {
	triggers := 0
	for _, n := range nodes {
		c := n.Config
		switch n.Type {
		case types.NodeTrigger:
			triggers++
			if c.Condition != nil || c.Transform != nil || c.Action != nil {
				return types.NewValidationError("nodes."+n.ID, "trigger node carries a non-trigger config")
			}
		case types.NodeCondition:
			if c.Condition == nil || c.Trigger != nil || c.Transform != nil || c.Action != nil {
				return types.NewValidationError("nodes."+n.ID, "condition node needs exactly a condition config")
			}
			if len(c.Condition.Conditions) == 0 && c.Condition.Expression == "" {
				return types.NewValidationError("nodes."+n.ID, "condition node has nothing to evaluate")
			}
		case types.NodeTransform:
			if c.Transform == nil || c.Trigger != nil || c.Condition != nil || c.Action != nil {
				return types.NewValidationError("nodes."+n.ID, "transform node needs exactly a transform config")
			}
			if len(c.Transform.Operations) == 0 {
				return types.NewValidationError("nodes."+n.ID, "transform node has no operations")
			}
			for _, op := range c.Transform.Operations {
				if err := validateOp(n.ID, op); err != nil {
					return err
				}
			}
		case types.NodeAction:
			if c.Action == nil || c.Trigger != nil || c.Condition != nil || c.Transform != nil {
				return types.NewValidationError("nodes."+n.ID, "action node needs exactly an action config")
			}
			e.mu.RLock()
			_, ok := e.actions[c.Action.Kind]
			e.mu.RUnlock()
			if !ok {
				return types.NewValidationError("nodes."+n.ID, "unknown action kind %q", c.Action.Kind)
			}
			if c.Action.Kind == types.ActionDatabase && c.Action.Key == "" {
				return types.NewValidationError("nodes."+n.ID, "database action needs a key")
			}
			if c.Action.Kind == types.ActionWebhook && c.Action.URL == "" {
				return types.NewValidationError("nodes."+n.ID, "webhook action needs a url")
			}
		}
	}
	if triggers != 1 {
		return types.NewValidationError("nodes", "workflow must have exactly one trigger node, found %d", triggers)
	}
	return nil
}

func validateOp(nodeID string, op types.TransformOp) error {
	field := "nodes." + nodeID + ".operations"
	switch op.Name {
	case OpParse, OpCalculateMetrics:
		if op.Field == "" {
			return types.NewValidationError(field, "%s needs a field", op.Name)
		}
	case OpRename:
		if op.Field == "" || op.Target == "" {
			return types.NewValidationError(field, "rename needs a field and a target")
		}
	case OpScript:
		if strings.TrimSpace(op.Script) == "" {
			return types.NewValidationError(field, "script operation has no script")
		}
	}
	return nil
}

// validateGraph checks node id uniqueness, successor references and runs a
// Kahn topological sort to reject cycles.
func validateGraph(nodes []types.Node) error {
	index := make(map[string]types.Node, len(nodes))
	for _, n := range nodes {
		if _, dup := index[n.ID]; dup {
			return types.NewValidationError("nodes", "duplicate node id %s", n.ID)
		}
		index[n.ID] = n
	}

	indegree := make(map[string]int, len(nodes))
	edges := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		seen := make(map[string]bool)
		for _, next := range n.Successors() {
			if next == n.ID {
				return types.NewValidationError("nodes."+n.ID, "node lists itself as a successor")
			}
			target, ok := index[next]
			if !ok {
				return types.NewValidationError("nodes."+n.ID, "successor %s does not exist", next)
			}
			if target.Type == types.NodeTrigger {
				return types.NewValidationError("nodes."+n.ID, "trigger node %s cannot be a successor", next)
			}
			if seen[next] {
				continue
			}
			seen[next] = true
			edges[n.ID] = append(edges[n.ID], next)
			indegree[next]++
		}
	}

	queue := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	sorted := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted++
		for _, next := range edges[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if sorted == len(nodes) {
		return nil
	}

	var cyclic []string
	for id, d := range indegree {
		if d > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return types.NewValidationError("nodes", "workflow contains a cycle through %s", strings.Join(cyclic, ", "))
}
