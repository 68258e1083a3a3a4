package observability

import (
	"testing"
	"time"

	"github.com/barawn/software-pueo-turf/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordLinkFrame("surf0", "received")
	RecordDecodeError("surf0", "checksum_invalid")
	ObserveTurnaround("surf0", "response", 3*time.Millisecond)
	RecordRoute(RouteDownstreamBroadcast)
	RecordCommand(0, "ok")

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	want := map[string]bool{
		"hskrouter_link_frames_total":        false,
		"hskrouter_router_routes_total":      false,
		"hskrouter_hsk_commands_total":       false,
		"hskrouter_link_turnaround_seconds":  false,
		"hskrouter_link_decode_errors_total": false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("metric %s not gathered", name)
		}
	}
	testlog.Logf("observability/metrics: registration idempotent and recording paths executed")
}
