package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrometheusText_ShouldReflectIncrements(t *testing.T) {
	m := New()
	m.IncExecutionsStarted()
	m.IncExecutionsStarted()
	m.IncExecutionsCompleted()
	m.IncTasksFailed()
	m.IncTasksRetried()

	text := m.PrometheusText()

	assert.True(t, strings.Contains(text, "nexum_executions_started_total 2"))
	assert.True(t, strings.Contains(text, "nexum_executions_completed_total 1"))
	assert.True(t, strings.Contains(text, "nexum_executions_failed_total 0"))
	assert.True(t, strings.Contains(text, "nexum_tasks_failed_total 1"))
	assert.True(t, strings.Contains(text, "nexum_tasks_retried_total 1"))
	assert.True(t, strings.Contains(text, "# HELP nexum_tasks_completed_total"))
	assert.True(t, strings.Contains(text, "# TYPE nexum_tasks_completed_total counter"))
}

func TestPrometheusText_ShouldBeSafeForConcurrentIncrements(t *testing.T) {
	m := New()
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				m.IncTasksCompleted()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, strings.Contains(m.PrometheusText(), "nexum_tasks_completed_total 1000"))
}
