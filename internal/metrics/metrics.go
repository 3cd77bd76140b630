// Package metrics exposes the control plane's counters in Prometheus text
// exposition format.
package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics holds the six counters the control plane tracks. Each field is
// safe for concurrent use without an external lock.
type Metrics struct {
	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	tasksCompleted      atomic.Int64
	tasksFailed         atomic.Int64
	tasksRetried        atomic.Int64
}

// New returns a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncExecutionsStarted()   { m.executionsStarted.Add(1) }
func (m *Metrics) IncExecutionsCompleted() { m.executionsCompleted.Add(1) }
func (m *Metrics) IncExecutionsFailed()    { m.executionsFailed.Add(1) }
func (m *Metrics) IncTasksCompleted()      { m.tasksCompleted.Add(1) }
func (m *Metrics) IncTasksFailed()         { m.tasksFailed.Add(1) }
func (m *Metrics) IncTasksRetried()        { m.tasksRetried.Add(1) }

type counter struct {
	name string
	help string
	val  int64
}

// PrometheusText renders the current counter values as Prometheus exposition
// text: a HELP/TYPE header pair per metric followed by its value, matching
// the shape of the original engine's Metrics::prometheus_text.
func (m *Metrics) PrometheusText() string {
	counters := []counter{
		{"nexum_executions_started_total", "Total number of executions started.", m.executionsStarted.Load()},
		{"nexum_executions_completed_total", "Total number of executions that completed successfully.", m.executionsCompleted.Load()},
		{"nexum_executions_failed_total", "Total number of executions that failed.", m.executionsFailed.Load()},
		{"nexum_tasks_completed_total", "Total number of tasks completed by workers.", m.tasksCompleted.Load()},
		{"nexum_tasks_failed_total", "Total number of tasks that failed terminally.", m.tasksFailed.Load()},
		{"nexum_tasks_retried_total", "Total number of task retries scheduled.", m.tasksRetried.Load()},
	}

	var b strings.Builder
	for _, c := range counters {
		fmt.Fprintf(&b, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(&b, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(&b, "%s %d\n", c.name, c.val)
	}
	return b.String()
}
