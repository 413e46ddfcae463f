package metrics_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pageforge/pageforge/pkg/metrics"
	"github.com/pageforge/pageforge/pkg/types"
)

func TestRecorder_TaskLifecycle(t *testing.T) {
	r := metrics.NewRecorder(prom.NewRegistry())
	ctx := context.Background()

	r.TaskStarted(ctx, "style", types.TaskKindLeaf)
	r.TaskFinished(ctx, types.TaskReport{Name: "style", Kind: types.TaskKindLeaf, Status: types.RunStatusSuccess, Duration: 20 * time.Millisecond})
	r.TaskStarted(ctx, "html", types.TaskKindLeaf)
	r.TaskFinished(ctx, types.TaskReport{Name: "html", Kind: types.TaskKindLeaf, Status: types.RunStatusFailure})

	count, err := testutil.GatherAndCount(r.Registry(), "pageforge_task_results_total")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected 2 result series, got %d", count)
	}

	expected := `
# HELP pageforge_tasks_running Leaf tasks currently executing
# TYPE pageforge_tasks_running gauge
pageforge_tasks_running 0
`
	if err := testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "pageforge_tasks_running"); err != nil {
		t.Error(err)
	}
}

func TestRecorder_ReloadMetrics(t *testing.T) {
	r := metrics.NewRecorder(prom.NewRegistry())

	r.ClientsConnected(3)
	r.ReloadBroadcast("inject", 3, 1)
	r.ReloadBroadcast("reload", 2, 0)
	r.WatchTriggered("styles")

	expected := `
# HELP pageforge_reload_broadcasts_total Live-reload notifications sent, by kind
# TYPE pageforge_reload_broadcasts_total counter
pageforge_reload_broadcasts_total{kind="inject"} 1
pageforge_reload_broadcasts_total{kind="reload"} 1
# HELP pageforge_reload_clients Connected live-reload clients
# TYPE pageforge_reload_clients gauge
pageforge_reload_clients 3
# HELP pageforge_reload_dropped_clients_total Clients dropped because their event buffer was full
# TYPE pageforge_reload_dropped_clients_total counter
pageforge_reload_dropped_clients_total 1
`
	err := testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected),
		"pageforge_reload_broadcasts_total", "pageforge_reload_clients", "pageforge_reload_dropped_clients_total")
	if err != nil {
		t.Error(err)
	}
}

func TestRecorder_Handler(t *testing.T) {
	r := metrics.NewRecorder(nil)
	r.WatchTriggered("htmls")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `pageforge_watch_triggers_total{binding="htmls"} 1`) {
		t.Errorf("expected watch trigger metric in output:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("expected go collector metrics on default registry")
	}
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *metrics.Recorder
	r.TaskStarted(context.Background(), "x", types.TaskKindLeaf)
	r.TaskFinished(context.Background(), types.TaskReport{})
	r.ClientsConnected(1)
	r.ReloadBroadcast("reload", 1, 0)
	r.WatchTriggered("x")
}
