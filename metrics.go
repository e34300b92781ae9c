package nexus

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricLookupCount        = []string{"nexus", "lookup", "count"}
	MetricLookupErrorCount   = []string{"nexus", "lookup", "error", "count"}
	MetricLookupDurationMs   = []string{"nexus", "lookup", "duration", "ms"}
	MetricPortFallbackCount  = []string{"nexus", "port", "fallback", "count"}
	MetricProgressErrorCount = []string{"nexus", "progress", "error", "count"}
	MetricAddrMapSize        = []string{"nexus", "addr", "map", "size"}
	MetricPhaseDurationMs    = []string{"nexus", "phase", "duration", "ms"}
)

type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelPeerAddr TelemetryLabel = "peer_addr"
	LabelRank     TelemetryLabel = "rank"
	LabelPhase    TelemetryLabel = "phase"
	LabelScope    TelemetryLabel = "scope"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}
