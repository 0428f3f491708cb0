// Package workflow owns workflow definitions and executes them as DAGs of
// trigger, condition, transform and action nodes.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/alertflow/events"
	"github.com/songzhibin97/alertflow/execlog"
	"github.com/songzhibin97/alertflow/metrics"
	"github.com/songzhibin97/alertflow/rules"
	"github.com/songzhibin97/alertflow/storage"
	"github.com/songzhibin97/alertflow/types"
)

// Standard error definitions
var (
	ErrNodeNotFound        = errors.New("node not found")
	ErrActionNotRegistered = errors.New("action not registered")
	ErrExecutionNotRunning = errors.New("execution is not running")
	ErrMaxDepth            = errors.New("maximum recursion depth exceeded")
)

const (
	// Maximum recursion depth to prevent stack overflow
	MaxRecursionDepth = 100

	// DefaultExecutionHistory is how many finished executions are retained.
	DefaultExecutionHistory = 500

	defaultWebhookTimeout = 30 * time.Second
)

// TriggerRegistrar arms and disarms a workflow's automatic trigger. The
// trigger scheduler implements it.
type TriggerRegistrar interface {
	Register(wf types.Workflow) error
	Deregister(id string)
}

// WorkflowEngine manages workflows and their executions.
type WorkflowEngine struct {
	generate      generator.Generator
	store         storage.Store
	evaluator     rules.Evaluator
	triggers      TriggerRegistrar
	notifier      Notifier
	analyzer      Analyzer
	bus           *events.EventBus
	logger        *zap.Logger
	metrics       *metrics.Recorder
	client        *http.Client
	now           func() time.Time
	historyCap    int
	logCapacity   int
	scriptTimeout time.Duration

	mu         sync.RWMutex
	workflows  map[string]types.Workflow
	actions    map[types.ActionKind]Action
	executions map[string]types.Execution
	execOrder  []string
	running    map[string]context.CancelFunc

	persistMu sync.Mutex
}

// Option configures a WorkflowEngine.
type Option func(*WorkflowEngine)

// WithTriggers connects the engine to a trigger scheduler.
func WithTriggers(r TriggerRegistrar) Option {
	return func(e *WorkflowEngine) {
		e.triggers = r
	}
}

// WithNotifier sets the dispatcher used by email and notification actions.
func WithNotifier(n Notifier) Option {
	return func(e *WorkflowEngine) {
		e.notifier = n
	}
}

// WithAnalyzer replaces the heuristic analyzer used by ai_analysis actions.
func WithAnalyzer(a Analyzer) Option {
	return func(e *WorkflowEngine) {
		if a != nil {
			e.analyzer = a
		}
	}
}

// WithEventBus publishes execution lifecycle events on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *WorkflowEngine) {
		e.bus = bus
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *WorkflowEngine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records execution metrics.
func WithMetrics(m *metrics.Recorder) Option {
	return func(e *WorkflowEngine) {
		e.metrics = m
	}
}

// WithHTTPClient sets the client used by webhook actions.
func WithHTTPClient(client *http.Client) Option {
	return func(e *WorkflowEngine) {
		if client != nil {
			e.client = client
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *WorkflowEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLimits bounds the retained execution history and the log of each
// execution. Non-positive values keep the defaults.
func WithLimits(historyCap, logCapacity int) Option {
	return func(e *WorkflowEngine) {
		if historyCap > 0 {
			e.historyCap = historyCap
		}
		if logCapacity > 0 {
			e.logCapacity = logCapacity
		}
	}
}

// WithScriptTimeout bounds each script transform.
func WithScriptTimeout(d time.Duration) Option {
	return func(e *WorkflowEngine) {
		if d > 0 {
			e.scriptTimeout = d
		}
	}
}

// NewWorkflowEngine creates a new WorkflowEngine instance with the given generator and storage.
func NewWorkflowEngine(generate generator.Generator, store storage.Store, evaluator rules.Evaluator, opts ...Option) (*WorkflowEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if evaluator == nil {
		evaluator = rules.NewExprEvaluator()
	}

	e := &WorkflowEngine{
		generate:      generate,
		store:         store,
		evaluator:     evaluator,
		analyzer:      HeuristicAnalyzer{},
		logger:        zap.NewNop(),
		client:        &http.Client{Timeout: defaultWebhookTimeout},
		now:           time.Now,
		historyCap:    DefaultExecutionHistory,
		logCapacity:   execlog.DefaultCapacity,
		scriptTimeout: DefaultScriptTimeout,
		workflows:     make(map[string]types.Workflow),
		actions:       make(map[types.ActionKind]Action),
		executions:    make(map[string]types.Execution),
		running:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registerBuiltins()
	return e, nil
}

// RegisterAction registers an action kind for use by action nodes. Built-in
// kinds may be overridden.
func (e *WorkflowEngine) RegisterAction(ctx context.Context, kind types.ActionKind, action Action) error {
	if kind == "" || action == nil {
		return errors.New("name and action are required")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.mu.Lock()
		defer e.mu.Unlock()
		e.actions[kind] = action
		return nil
	}
}

// Load restores workflows and execution history from the store and arms the
// triggers of enabled workflows.
func (e *WorkflowEngine) Load(ctx context.Context) error {
	wfs, _, err := storage.Load[[]types.Workflow](ctx, e.store, storage.KeyWorkflows)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}
	execs, _, err := storage.Load[[]types.Execution](ctx, e.store, storage.KeyExecutions)
	if err != nil {
		return fmt.Errorf("failed to load executions: %w", err)
	}

	e.mu.Lock()
	e.workflows = make(map[string]types.Workflow, len(wfs))
	for _, wf := range wfs {
		e.workflows[wf.ID] = wf
	}
	sort.SliceStable(execs, func(i, j int) bool { return execs[i].StartedAt.Before(execs[j].StartedAt) })
	e.executions = make(map[string]types.Execution, len(execs))
	e.execOrder = e.execOrder[:0]
	for _, ex := range execs {
		if ex.Status == types.StatusRunning {
			// The process stopped mid-run.
			ex.Status = types.StatusCancelled
			ex.Error = "interrupted by restart"
		}
		e.executions[ex.ID] = ex
		e.execOrder = append(e.execOrder, ex.ID)
	}
	e.trimHistoryLocked()
	e.mu.Unlock()

	for _, wf := range wfs {
		if wf.Enabled {
			e.arm(wf)
		}
	}
	e.logger.Info("workflows loaded", zap.Int("workflows", len(wfs)), zap.Int("executions", len(execs)))
	return nil
}

// CreateWorkflow validates spec, stores it as a new workflow and arms its
// trigger when enabled.
func (e *WorkflowEngine) CreateWorkflow(ctx context.Context, spec types.WorkflowSpec) (*types.Workflow, error) {
	nodes, err := e.buildNodes(spec)
	if err != nil {
		return nil, err
	}
	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := e.now()
	wf := types.Workflow{
		ID:          strconv.FormatUint(id, 10),
		Name:        spec.Name,
		Description: spec.Description,
		Enabled:     spec.Enabled == nil || *spec.Enabled,
		Trigger:     spec.Trigger,
		Schedule:    spec.Schedule,
		Event:       spec.Event,
		Nodes:       nodes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()

	if wf.Enabled && e.triggers != nil {
		if err := e.triggers.Register(wf); err != nil {
			e.mu.Lock()
			delete(e.workflows, wf.ID)
			e.mu.Unlock()
			return nil, err
		}
	}
	if err := e.persistWorkflows(ctx); err != nil {
		e.disarm(wf.ID)
		e.mu.Lock()
		delete(e.workflows, wf.ID)
		e.mu.Unlock()
		return nil, err
	}

	e.logger.Info("workflow created",
		zap.String("workflow", wf.ID),
		zap.String("name", wf.Name),
		zap.String("trigger", string(wf.Trigger)))
	out := wf.Clone()
	return &out, nil
}

// GetWorkflow returns a copy of the workflow.
func (e *WorkflowEngine) GetWorkflow(id string) (*types.Workflow, error) {
	e.mu.RLock()
	wf, ok := e.workflows[id]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NotFoundError("workflow", id)
	}
	out := wf.Clone()
	return &out, nil
}

// ListWorkflows returns every workflow, oldest first.
func (e *WorkflowEngine) ListWorkflows() []types.Workflow {
	e.mu.RLock()
	out := make([]types.Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, wf.Clone())
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// UpdateWorkflow replaces the definition of a workflow, keeping its id,
// creation time and counters, and re-arms its trigger.
func (e *WorkflowEngine) UpdateWorkflow(ctx context.Context, id string, spec types.WorkflowSpec) (*types.Workflow, error) {
	nodes, err := e.buildNodes(spec)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	prev, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return nil, types.NotFoundError("workflow", id)
	}
	wf := prev
	wf.Name = spec.Name
	wf.Description = spec.Description
	wf.Trigger = spec.Trigger
	wf.Schedule = spec.Schedule
	wf.Event = spec.Event
	wf.Nodes = nodes
	if spec.Enabled != nil {
		wf.Enabled = *spec.Enabled
	}
	wf.UpdatedAt = e.now()
	e.workflows[id] = wf
	e.mu.Unlock()

	if err := e.rearm(wf); err != nil {
		e.mu.Lock()
		e.workflows[id] = prev
		e.mu.Unlock()
		_ = e.rearm(prev)
		return nil, err
	}
	if err := e.persistWorkflows(ctx); err != nil {
		return nil, err
	}

	e.logger.Info("workflow updated", zap.String("workflow", id))
	out := wf.Clone()
	return &out, nil
}

// DeleteWorkflow disarms and removes a workflow. Its executions stay in the
// history.
func (e *WorkflowEngine) DeleteWorkflow(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.workflows[id]; !ok {
		e.mu.Unlock()
		return types.NotFoundError("workflow", id)
	}
	delete(e.workflows, id)
	e.mu.Unlock()

	e.disarm(id)
	if err := e.persistWorkflows(ctx); err != nil {
		return err
	}
	e.logger.Info("workflow deleted", zap.String("workflow", id))
	return nil
}

// EnableWorkflow enables a workflow and arms its trigger.
func (e *WorkflowEngine) EnableWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	return e.setEnabled(ctx, id, true)
}

// DisableWorkflow disables a workflow and cancels its trigger. Later ticks
// and manual executions are refused.
func (e *WorkflowEngine) DisableWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	return e.setEnabled(ctx, id, false)
}

func (e *WorkflowEngine) setEnabled(ctx context.Context, id string, enabled bool) (*types.Workflow, error) {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return nil, types.NotFoundError("workflow", id)
	}
	prev := wf
	wf.Enabled = enabled
	wf.UpdatedAt = e.now()
	e.workflows[id] = wf
	e.mu.Unlock()

	if err := e.rearm(wf); err != nil {
		e.mu.Lock()
		e.workflows[id] = prev
		e.mu.Unlock()
		return nil, err
	}
	if err := e.persistWorkflows(ctx); err != nil {
		return nil, err
	}

	e.logger.Info("workflow toggled", zap.String("workflow", id), zap.Bool("enabled", enabled))
	out := wf.Clone()
	return &out, nil
}

func (e *WorkflowEngine) arm(wf types.Workflow) {
	if e.triggers == nil {
		return
	}
	if err := e.triggers.Register(wf); err != nil {
		e.logger.Error("failed to register trigger", zap.String("workflow", wf.ID), zap.Error(err))
	}
}

func (e *WorkflowEngine) disarm(id string) {
	if e.triggers != nil {
		e.triggers.Deregister(id)
	}
}

// rearm registers an enabled workflow (replacing any earlier registration)
// and deregisters a disabled one.
func (e *WorkflowEngine) rearm(wf types.Workflow) error {
	if e.triggers == nil {
		return nil
	}
	if !wf.Enabled {
		e.triggers.Deregister(wf.ID)
		return nil
	}
	return e.triggers.Register(wf)
}

// ExecuteWorkflow runs a workflow to completion. The returned execution
// describes the outcome: a failing node yields a failed execution, not an
// error. Errors are reserved for unknown or disabled workflows.
func (e *WorkflowEngine) ExecuteWorkflow(ctx context.Context, id string, input map[string]interface{}) (*types.Execution, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	e.mu.RLock()
	wf, ok := e.workflows[id]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NotFoundError("workflow", id)
	}
	if !wf.Enabled {
		return nil, fmt.Errorf("%w: %s", types.ErrDisabled, id)
	}
	trigger, ok := wf.TriggerNode()
	if !ok {
		return nil, types.NewValidationError("nodes", "workflow %s has no trigger node", id)
	}

	execID, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	seed := copyMap(input)
	exec := types.Execution{
		ID:         strconv.FormatUint(execID, 10),
		WorkflowID: wf.ID,
		Trigger:    types.TriggerSource(ctx),
		StartedAt:  e.now(),
		Status:     types.StatusRunning,
		Context:    map[string]interface{}{"input": seed},
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.executions[exec.ID] = exec.Clone()
	e.execOrder = append(e.execOrder, exec.ID)
	e.running[exec.ID] = cancel
	e.mu.Unlock()

	e.publishEvent(events.ExecutionStarted, exec.ID, map[string]interface{}{
		"workflow_id": wf.ID,
		"trigger":     exec.Trigger,
	})
	e.logger.Debug("execution started",
		zap.String("workflow", wf.ID),
		zap.String("execution", exec.ID),
		zap.String("trigger", exec.Trigger))

	r := &run{
		wf:      wf,
		nodes:   make(map[string]types.Node, len(wf.Nodes)),
		visited: make(map[string]bool, len(wf.Nodes)),
		data:    exec.Context,
		log:     execlog.New(e.logCapacity),
		trigger: exec.Trigger,
	}
	for _, n := range wf.Nodes {
		r.nodes[n.ID] = n
	}

	runErr := e.visit(runCtx, r, trigger, 0)

	finished := e.now()
	exec.FinishedAt = &finished
	exec.Log = r.log.Entries()
	switch {
	case runErr == nil:
		exec.Status = types.StatusSuccess
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		exec.Status = types.StatusCancelled
		exec.Error = rootMessage(runErr)
	default:
		exec.Status = types.StatusFailed
		exec.Error = rootMessage(runErr)
	}

	e.finish(exec)
	return &exec, nil
}

// run is the mutable state of one execution. It is owned by the goroutine
// running ExecuteWorkflow.
type run struct {
	wf      types.Workflow
	nodes   map[string]types.Node
	visited map[string]bool
	data    map[string]interface{}
	log     *execlog.Log
	trigger string
}

// visit executes node and then its successors depth-first. Every node runs
// at most once per execution.
func (e *WorkflowEngine) visit(ctx context.Context, r *run, node types.Node, depth int) (err error) {
	if depth > MaxRecursionDepth {
		return &types.NodeExecutionError{NodeID: node.ID, Err: fmt.Errorf("%w: %d", ErrMaxDepth, MaxRecursionDepth)}
	}
	if r.visited[node.ID] {
		return nil
	}
	r.visited[node.ID] = true

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("node panicked",
				zap.String("workflow", r.wf.ID),
				zap.String("node", node.ID),
				zap.Any("panic", p),
				zap.Stack("stack"))
			r.log.Errorf(node.ID, "%s node %q panicked: %v", node.Type, node.Name, p)
			e.metrics.NodeExecuted(string(node.Type), false)
			err = &types.NodeExecutionError{NodeID: node.ID, Err: fmt.Errorf("panic occurred: %v", p)}
		}
	}()

	result, err := e.executeNode(ctx, r, node)
	if err != nil {
		r.log.Errorf(node.ID, "%s node %q failed: %v", node.Type, node.Name, err)
		e.metrics.NodeExecuted(string(node.Type), false)
		return &types.NodeExecutionError{NodeID: node.ID, Err: err}
	}
	r.data[node.ID] = result
	e.metrics.NodeExecuted(string(node.Type), true)

	if node.Type == types.NodeCondition {
		r.log.Infof(node.ID, "condition %q evaluated to %t", node.Name, result)
	} else {
		r.log.Infof(node.ID, "%s node %q completed", node.Type, node.Name)
	}

	for _, next := range successors(node, result) {
		n, ok := r.nodes[next]
		if !ok {
			return &types.NodeExecutionError{NodeID: node.ID, Err: fmt.Errorf("%w: %s", ErrNodeNotFound, next)}
		}
		if err := e.visit(ctx, r, n, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// successors picks the nodes to visit after node. A condition follows
// OnTrue and NextNodes when true and only OnFalse when false.
func successors(node types.Node, result interface{}) []string {
	c := node.Config.Condition
	if node.Type != types.NodeCondition || c == nil {
		return node.NextNodes
	}
	if ok, _ := result.(bool); ok {
		return append(append([]string(nil), c.OnTrue...), node.NextNodes...)
	}
	return c.OnFalse
}

func (e *WorkflowEngine) executeNode(ctx context.Context, r *run, node types.Node) (interface{}, error) {
	switch node.Type {
	case types.NodeTrigger:
		return map[string]interface{}{
			"triggered": true,
			"timestamp": e.now().UTC().Format(time.RFC3339Nano),
			"source":    r.trigger,
		}, nil

	case types.NodeCondition:
		c := node.Config.Condition
		if c == nil {
			return nil, types.NewValidationError("config", "condition node has no condition config")
		}
		ok := rules.CheckAll(c.Conditions, c.Logic, r.data)
		if ok && c.Expression != "" {
			res, err := e.evaluator.Evaluate(c.Expression, r.data)
			if err != nil {
				return nil, fmt.Errorf("failed to evaluate condition '%s': %w", c.Expression, err)
			}
			ok = res
		}
		return ok, nil

	case types.NodeTransform:
		if node.Config.Transform == nil {
			return nil, types.NewValidationError("config", "transform node has no transform config")
		}
		return e.transform(ctx, node.Config.Transform, r.data)

	case types.NodeAction:
		cfg := node.Config.Action
		if cfg == nil {
			return nil, types.NewValidationError("config", "action node has no action config")
		}
		e.mu.RLock()
		action, ok := e.actions[cfg.Kind]
		e.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrActionNotRegistered, cfg.Kind)
		}
		return action.Execute(ctx, *cfg, r.data)
	}
	return nil, fmt.Errorf("unknown node type %q", node.Type)
}

// finish records a terminal execution: counters, history, persistence,
// events and metrics.
func (e *WorkflowEngine) finish(exec types.Execution) {
	e.mu.Lock()
	delete(e.running, exec.ID)
	e.executions[exec.ID] = exec.Clone()
	e.trimHistoryLocked()
	if wf, ok := e.workflows[exec.WorkflowID]; ok {
		wf.RunCount++
		if exec.Status == types.StatusSuccess {
			wf.SuccessCount++
		} else {
			wf.FailureCount++
		}
		started := exec.StartedAt
		wf.LastRun = &started
		e.workflows[wf.ID] = wf
	}
	e.mu.Unlock()

	// Persist even when the caller's context was cancelled.
	ctx := context.Background()
	if err := e.persistWorkflows(ctx); err != nil {
		e.logger.Error("failed to persist workflow counters", zap.String("workflow", exec.WorkflowID), zap.Error(err))
	}
	e.persistExecutions(ctx)

	duration := exec.FinishedAt.Sub(exec.StartedAt)
	e.metrics.ExecutionFinished(string(exec.Status), duration)
	e.publishEvent(events.ExecutionFinished, exec.ID, map[string]interface{}{
		"workflow_id": exec.WorkflowID,
		"status":      string(exec.Status),
		"error":       exec.Error,
	})

	fields := []zap.Field{
		zap.String("workflow", exec.WorkflowID),
		zap.String("execution", exec.ID),
		zap.String("status", string(exec.Status)),
		zap.Duration("duration", duration),
	}
	if exec.Status == types.StatusSuccess {
		e.logger.Info("execution finished", fields...)
	} else {
		e.logger.Warn("execution finished", append(fields, zap.String("error", exec.Error))...)
	}
}

// trimHistoryLocked drops the oldest finished executions beyond the cap.
// Callers hold e.mu.
func (e *WorkflowEngine) trimHistoryLocked() {
	over := len(e.execOrder) - e.historyCap
	if over <= 0 {
		return
	}
	keep := e.execOrder[:0]
	for _, id := range e.execOrder {
		if over > 0 {
			if _, running := e.running[id]; !running {
				delete(e.executions, id)
				over--
				continue
			}
		}
		keep = append(keep, id)
	}
	e.execOrder = keep
}

// CancelExecution cancels an in-flight execution. It finishes with status
// cancelled once the current node returns.
func (e *WorkflowEngine) CancelExecution(id string) error {
	e.mu.RLock()
	cancel, running := e.running[id]
	_, known := e.executions[id]
	e.mu.RUnlock()

	if !running {
		if known {
			return fmt.Errorf("%w: %s", ErrExecutionNotRunning, id)
		}
		return types.NotFoundError("execution", id)
	}
	cancel()
	e.logger.Info("execution cancelled", zap.String("execution", id))
	return nil
}

// GetExecution returns a copy of the execution.
func (e *WorkflowEngine) GetExecution(id string) (*types.Execution, error) {
	e.mu.RLock()
	exec, ok := e.executions[id]
	e.mu.RUnlock()
	if !ok {
		return nil, types.NotFoundError("execution", id)
	}
	out := exec.Clone()
	return &out, nil
}

// ListExecutions returns executions newest first, restricted to one workflow
// when workflowID is not empty.
func (e *WorkflowEngine) ListExecutions(workflowID string) []types.Execution {
	e.mu.RLock()
	out := make([]types.Execution, 0, len(e.execOrder))
	for i := len(e.execOrder) - 1; i >= 0; i-- {
		exec := e.executions[e.execOrder[i]]
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		out = append(out, exec.Clone())
	}
	e.mu.RUnlock()
	return out
}

func (e *WorkflowEngine) persistWorkflows(ctx context.Context) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	wfs := e.ListWorkflows()
	if err := storage.Save(ctx, e.store, storage.KeyWorkflows, wfs); err != nil {
		return fmt.Errorf("failed to persist workflows: %w", err)
	}
	return nil
}

func (e *WorkflowEngine) persistExecutions(ctx context.Context) {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.RLock()
	snapshot := make([]types.Execution, 0, len(e.execOrder))
	for _, id := range e.execOrder {
		if exec, ok := e.executions[id]; ok && exec.Status != types.StatusRunning {
			snapshot = append(snapshot, exec.Clone())
		}
	}
	e.mu.RUnlock()

	if err := storage.Save(ctx, e.store, storage.KeyExecutions, snapshot); err != nil {
		e.logger.Error("failed to persist executions", zap.Error(err))
	}
}

// publishEvent publishes an event to the event bus, if any.
func (e *WorkflowEngine) publishEvent(eventType, subject string, data map[string]interface{}) {
	if e.bus == nil {
		return
	}
	err := e.bus.Publish(context.Background(), events.Event{Type: eventType, Subject: subject, Data: data})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Debug("event not published", zap.String("event", eventType), zap.Error(err))
	}
}

// rootMessage returns the message of the error a node raised, without the
// wrapping added during traversal.
func rootMessage(err error) string {
	var nodeErr *types.NodeExecutionError
	if errors.As(err, &nodeErr) && nodeErr.Err != nil {
		return nodeErr.Err.Error()
	}
	return err.Error()
}
