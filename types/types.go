package types

import (
	"time"

	"github.com/songzhibin97/alertflow/execlog"
)

// TriggerKind selects how a workflow is started.
type TriggerKind string

const (
	TriggerSchedule   TriggerKind = "schedule"
	TriggerWebhook    TriggerKind = "webhook"
	TriggerFileUpload TriggerKind = "file_upload"
	TriggerManual     TriggerKind = "manual"
	TriggerEvent      TriggerKind = "event"
)

// NodeType is the kind of a workflow node.
type NodeType string

const (
	NodeTrigger   NodeType = "trigger"
	NodeAction    NodeType = "action"
	NodeCondition NodeType = "condition"
	NodeTransform NodeType = "transform"
)

// ActionKind names an entry in the engine's action table.
type ActionKind string

const (
	ActionEmail        ActionKind = "email"
	ActionWebhook      ActionKind = "webhook"
	ActionNotification ActionKind = "notification"
	ActionDatabase     ActionKind = "database"
	ActionAIAnalysis   ActionKind = "ai_analysis"
)

// ExecutionStatus is the state of one workflow run.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusSuccess   ExecutionStatus = "success"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Workflow defines the structure of a workflow.
type Workflow struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Description  string      `json:"description"`
	Enabled      bool        `json:"enabled"`
	Trigger      TriggerKind `json:"trigger"`
	Schedule     string      `json:"schedule,omitempty"`
	Event        string      `json:"event,omitempty"`
	Nodes        []Node      `json:"nodes"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	RunCount     int         `json:"run_count"`
	SuccessCount int         `json:"success_count"`
	FailureCount int         `json:"failure_count"`
	LastRun      *time.Time  `json:"last_run,omitempty"`
}

// TriggerNode returns the workflow's trigger node.
func (w Workflow) TriggerNode() (Node, bool) {
	for _, n := range w.Nodes {
		if n.Type == NodeTrigger {
			return n, true
		}
	}
	return Node{}, false
}

// ScheduleDescriptor returns the schedule string from the workflow or its
// trigger node.
func (w Workflow) ScheduleDescriptor() string {
	if w.Schedule != "" {
		return w.Schedule
	}
	if n, ok := w.TriggerNode(); ok && n.Config.Trigger != nil {
		return n.Config.Trigger.Schedule
	}
	return ""
}

// EventName returns the event an event-triggered workflow listens to.
func (w Workflow) EventName() string {
	if w.Event != "" {
		return w.Event
	}
	if n, ok := w.TriggerNode(); ok && n.Config.Trigger != nil {
		return n.Config.Trigger.Event
	}
	return ""
}

// Clone returns a copy that shares no slices with w.
func (w Workflow) Clone() Workflow {
	out := w
	out.Nodes = make([]Node, len(w.Nodes))
	for i, n := range w.Nodes {
		out.Nodes[i] = n.Clone()
	}
	if w.LastRun != nil {
		t := *w.LastRun
		out.LastRun = &t
	}
	return out
}

// Node represents a node in the workflow.
type Node struct {
	ID        string     `json:"id"`
	Type      NodeType   `json:"type" validate:"required,oneof=trigger action condition transform"`
	Name      string     `json:"name"`
	Config    NodeConfig `json:"config"`
	NextNodes []string   `json:"nextNodes"`
}

// Clone returns a deep copy of the node's successor lists and config.
func (n Node) Clone() Node {
	out := n
	out.NextNodes = append([]string(nil), n.NextNodes...)
	out.Config = n.Config.Clone()
	return out
}

// Successors returns every node id this node may hand control to.
func (n Node) Successors() []string {
	out := append([]string(nil), n.NextNodes...)
	if c := n.Config.Condition; c != nil {
		out = append(out, c.OnTrue...)
		out = append(out, c.OnFalse...)
	}
	return out
}

// NodeConfig is a tagged union: exactly the member matching the node type is
// set. A trigger node may leave its member empty.
type NodeConfig struct {
	Trigger   *TriggerConfig   `json:"trigger,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Transform *TransformConfig `json:"transform,omitempty"`
	Action    *ActionConfig    `json:"action,omitempty"`
}

// Clone copies the set member.
func (c NodeConfig) Clone() NodeConfig {
	var out NodeConfig
	if c.Trigger != nil {
		t := *c.Trigger
		out.Trigger = &t
	}
	if c.Condition != nil {
		cc := *c.Condition
		cc.Conditions = append([]Comparison(nil), c.Condition.Conditions...)
		cc.OnTrue = append([]string(nil), c.Condition.OnTrue...)
		cc.OnFalse = append([]string(nil), c.Condition.OnFalse...)
		out.Condition = &cc
	}
	if c.Transform != nil {
		tc := *c.Transform
		tc.Operations = append([]TransformOp(nil), c.Transform.Operations...)
		out.Transform = &tc
	}
	if c.Action != nil {
		ac := *c.Action
		ac.Channels = append([]Channel(nil), c.Action.Channels...)
		ac.Recipients = append([]string(nil), c.Action.Recipients...)
		if c.Action.Headers != nil {
			ac.Headers = make(map[string]string, len(c.Action.Headers))
			for k, v := range c.Action.Headers {
				ac.Headers[k] = v
			}
		}
		out.Action = &ac
	}
	return out
}

// TriggerConfig carries the schedule descriptor or event name of a trigger node.
type TriggerConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Event    string `json:"event,omitempty"`
}

// ConditionConfig gates traversal. Comparisons are evaluated against the
// execution context; Expression, when set, must also hold.
type ConditionConfig struct {
	Conditions []Comparison `json:"conditions,omitempty" validate:"dive"`
	Logic      string       `json:"logic,omitempty" validate:"omitempty,oneof=and or"`
	Expression string       `json:"expression,omitempty"`
	OnTrue     []string     `json:"onTrue,omitempty"`
	OnFalse    []string     `json:"onFalse,omitempty"`
}

// TransformOp is one named operation of a transform node.
type TransformOp struct {
	Name   string `json:"name" validate:"required,oneof=parse normalize calculate_metrics rename script"`
	Field  string `json:"field,omitempty"`
	Target string `json:"target,omitempty"`
	Script string `json:"script,omitempty"`
}

// TransformConfig is an ordered list of operations.
type TransformConfig struct {
	Operations []TransformOp `json:"operations" validate:"dive"`
}

// ActionConfig configures an action node. Which fields are read depends on Kind.
type ActionConfig struct {
	Kind             ActionKind        `json:"kind" validate:"required"`
	URL              string            `json:"url,omitempty" validate:"omitempty,url"`
	Method           string            `json:"method,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Recipients       []string          `json:"recipients,omitempty"`
	Subject          string            `json:"subject,omitempty"`
	NotificationType NotificationType  `json:"notificationType,omitempty" validate:"omitempty,oneof=compliance performance security engagement system"`
	Priority         Priority          `json:"priority,omitempty" validate:"omitempty,oneof=low medium high critical"`
	Title            string            `json:"title,omitempty"`
	Message          string            `json:"message,omitempty"`
	Channels         []Channel         `json:"channels,omitempty" validate:"dive,oneof=email slack telegram webhook push"`
	Key              string            `json:"key,omitempty"`
}

// Comparison is a declarative field check shared by condition nodes and
// notification rules.
type Comparison struct {
	Field    string      `json:"field" validate:"required"`
	Operator string      `json:"operator" validate:"required"`
	Value    interface{} `json:"value,omitempty"`
}

// WorkflowSpec is the definition accepted by CreateWorkflow and UpdateWorkflow.
type WorkflowSpec struct {
	Name        string      `json:"name" validate:"required"`
	Description string      `json:"description"`
	Enabled     *bool       `json:"enabled,omitempty"`
	Trigger     TriggerKind `json:"trigger" validate:"required,oneof=schedule webhook file_upload manual event"`
	Schedule    string      `json:"schedule,omitempty"`
	Event       string      `json:"event,omitempty"`
	Nodes       []Node      `json:"nodes" validate:"required,min=1,dive"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Trigger    string                 `json:"trigger,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Status     ExecutionStatus        `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Log        []execlog.Entry        `json:"log"`
	Context    map[string]interface{} `json:"context"`
}

// Clone returns a copy whose log and top-level context map are not shared.
func (e Execution) Clone() Execution {
	out := e
	out.Log = append([]execlog.Entry(nil), e.Log...)
	if e.Context != nil {
		out.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			out.Context[k] = v
		}
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
