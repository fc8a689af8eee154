package engine

import (
	"errors"
	"time"

	"github.com/hupe1980/agentforge/core"
	"github.com/hupe1980/agentforge/internal/metrics"
	"github.com/hupe1980/agentforge/logging"
)

// Hook observes the execution lifecycle without modifying it.
//
// Hooks are invoked synchronously on the hot path and must be fast. Node
// hooks fire concurrently for parallel branches, so implementations must be
// safe for concurrent use. Available lifecycle points:
//   - OnRunStarted/OnRunFinished: around a complete run
//   - BeforeNode/AfterNode: around every node execution, root included
//   - OnEvent: for every event delivered to the caller, after Seq is stamped
type Hook interface {
	OnRunStarted(run *Run)
	BeforeNode(rc *core.RunContext, node core.Node)
	AfterNode(rc *core.RunContext, node core.Node, out core.Output, err error, dur time.Duration)
	OnEvent(run *Run, ev core.Event)
	OnRunFinished(run *Run)
}

// BaseHook implements Hook with no-ops. Embed it to implement only the
// lifecycle points you need.
type BaseHook struct{}

func (BaseHook) OnRunStarted(*Run) {}
func (BaseHook) BeforeNode(*core.RunContext, core.Node) {}
func (BaseHook) AfterNode(*core.RunContext, core.Node, core.Output, error, time.Duration) {}
func (BaseHook) OnEvent(*Run, core.Event) {}
func (BaseHook) OnRunFinished(*Run) {}

// FunctionHook wraps plain functions as a Hook. Nil fields are skipped.
//
// Example:
//
//	hook := &FunctionHook{
//	    Event: func(run *Run, ev core.Event) {
//	        log.Printf("%s %s", run.ID, ev.Kind)
//	    },
//	}
type FunctionHook struct {
	RunStarted  func(run *Run)
	NodeStarted func(rc *core.RunContext, node core.Node)
	NodeDone    func(rc *core.RunContext, node core.Node, out core.Output, err error, dur time.Duration)
	Event       func(run *Run, ev core.Event)
	RunFinished func(run *Run)
}

func (h *FunctionHook) OnRunStarted(run *Run) {
	if h.RunStarted != nil {
		h.RunStarted(run)
	}
}

func (h *FunctionHook) BeforeNode(rc *core.RunContext, node core.Node) {
	if h.NodeStarted != nil {
		h.NodeStarted(rc, node)
	}
}

func (h *FunctionHook) AfterNode(rc *core.RunContext, node core.Node, out core.Output, err error, dur time.Duration) {
	if h.NodeDone != nil {
		h.NodeDone(rc, node, out, err, dur)
	}
}

func (h *FunctionHook) OnEvent(run *Run, ev core.Event) {
	if h.Event != nil {
		h.Event(run, ev)
	}
}

func (h *FunctionHook) OnRunFinished(run *Run) {
	if h.RunFinished != nil {
		h.RunFinished(run)
	}
}

// hookChain fans lifecycle calls out to every registered hook in order. It
// also serves as the core.NodeObserver of every run.
type hookChain []Hook

func (c hookChain) OnRunStarted(run *Run) {
	for _, h := range c {
		h.OnRunStarted(run)
	}
}

func (c hookChain) OnEvent(run *Run, ev core.Event) {
	for _, h := range c {
		h.OnEvent(run, ev)
	}
}

func (c hookChain) OnRunFinished(run *Run) {
	for _, h := range c {
		h.OnRunFinished(run)
	}
}

// NodeStarted implements core.NodeObserver.
func (c hookChain) NodeStarted(rc *core.RunContext, node core.Node) {
	for _, h := range c {
		h.BeforeNode(rc, node)
	}
}

// NodeFinished implements core.NodeObserver.
func (c hookChain) NodeFinished(rc *core.RunContext, node core.Node, out core.Output, err error, dur time.Duration) {
	for _, h := range c {
		h.AfterNode(rc, node, out, err, dur)
	}
}

// MetricsHook records Prometheus metrics for runs, nodes and events.
type MetricsHook struct{}

// NewMetricsHook creates a MetricsHook.
func NewMetricsHook() *MetricsHook { return &MetricsHook{} }

func (*MetricsHook) OnRunStarted(*Run) { metrics.RunsActive.Inc() }

func (*MetricsHook) BeforeNode(*core.RunContext, core.Node) {}

func (*MetricsHook) AfterNode(_ *core.RunContext, node core.Node, _ core.Output, err error, dur time.Duration) {
	kind := string(node.Kind())

	metrics.NodesTotal.WithLabelValues(kind, nodeStatus(err)).Inc()
	metrics.NodeDuration.WithLabelValues(kind).Observe(dur.Seconds())
}

func (*MetricsHook) OnEvent(_ *Run, ev core.Event) {
	metrics.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
}

func (*MetricsHook) OnRunFinished(run *Run) {
	status := string(run.State())

	metrics.RunsActive.Dec()
	metrics.RunsTotal.WithLabelValues(status).Inc()
	metrics.RunDuration.WithLabelValues(status).Observe(run.Duration().Seconds())
}

func nodeStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, core.ErrCancelled):
		return "cancelled"
	default:
		return "failed"
	}
}

// LoggingHook logs node boundaries and failures at debug/warn level.
type LoggingHook struct {
	BaseHook
	logger logging.Logger
}

// NewLoggingHook creates a LoggingHook writing to logger.
func NewLoggingHook(logger logging.Logger) *LoggingHook {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}

	return &LoggingHook{logger: logger}
}

func (h *LoggingHook) BeforeNode(rc *core.RunContext, node core.Node) {
	h.logger.Debug("engine.node.start", "run_id", rc.RunID, "node", rc.NodePath, "kind", node.Kind(), "branch", rc.Branch)
}

func (h *LoggingHook) AfterNode(rc *core.RunContext, node core.Node, _ core.Output, err error, dur time.Duration) {
	if nl, ok := h.logger.(logging.NodeLogger); ok {
		nl.LogNodeExecution(rc.NodePath, string(node.Kind()), dur, err == nil, err)
		return
	}

	if err != nil {
		h.logger.Warn("engine.node.failed", "run_id", rc.RunID, "node", rc.NodePath, "kind", core.KindOf(err), "error", err.Error())
		return
	}

	h.logger.Debug("engine.node.done", "run_id", rc.RunID, "node", rc.NodePath, "duration_ms", dur.Milliseconds())
}

func (h *LoggingHook) OnRunFinished(run *Run) {
	_, err := run.Result()
	if err != nil {
		h.logger.Warn("engine.run.failed", "run_id", run.ID, "tenant_id", run.TenantID, "state", run.State(), "error", err.Error())
	}
}
