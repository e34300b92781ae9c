package collective

import "github.com/hashicorp/go-metrics"

var (
	MetricRoundCount  = []string{"nexus", "collective", "round", "count"}
	MetricAbortCount  = []string{"nexus", "collective", "abort", "count"}
	MetricMemberCount = []string{"nexus", "collective", "member", "count"}
)

const MLabelOp = "op"

func withLabel(labels []metrics.Label, name, value string) []metrics.Label {
	out := make([]metrics.Label, len(labels), len(labels)+1)
	copy(out, labels)
	return append(out, metrics.Label{Name: name, Value: value})
}
