package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ngld/buildpipe/pkg/buildsys"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	c := New()

	c.Observe(buildsys.TaskEvent{Task: "css", State: buildsys.StateResolving})
	c.Observe(buildsys.TaskEvent{Task: "css", State: buildsys.StateExecuting, Stage: "concat#0", Total: 2})
	c.Observe(buildsys.TaskEvent{Task: "css", State: buildsys.StateExecuting, Stage: "minify-css#1", Index: 1, Total: 2})
	c.Observe(buildsys.TaskEvent{Task: "css", State: buildsys.StateCompleted})
	c.Observe(buildsys.TaskEvent{Task: "js", State: buildsys.StateFailed})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("css", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues("js", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stages.WithLabelValues("css", "minify-css#1")))

	c.ObserveRun(&buildsys.RunResult{
		Order: []string{"css", "js"},
		Tasks: map[string]*buildsys.TaskResult{
			"css": {Task: "css", State: buildsys.StateCompleted, Duration: 20 * time.Millisecond},
			"js":  {Task: "js", State: buildsys.StateFailed},
		},
	})
	c.ObserveRun(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runs.WithLabelValues("failure")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.runs.WithLabelValues("success")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `buildpipe_task_results_total{state="completed",task="css"} 1`)
	assert.Contains(t, string(body), `buildpipe_task_duration_seconds_count{task="css"} 1`)
}
