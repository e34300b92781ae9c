package transport

import "github.com/hashicorp/go-metrics"

var (
	MetricLookupCount       = []string{"nexus", "transport", "lookup", "count"}
	MetricLookupErrorCount  = []string{"nexus", "transport", "lookup", "error", "count"}
	MetricLookupDuration    = []string{"nexus", "transport", "lookup", "duration", "ms"}
	MetricAddrLiveCount     = []string{"nexus", "transport", "addr", "live", "count"}
	MetricConnEstCount      = []string{"nexus", "transport", "connection", "established", "count"}
	MetricConnErrorCount    = []string{"nexus", "transport", "connection", "error", "count"}
	MetricUDPBufferSizeByte = []string{"nexus", "transport", "udp", "buffer", "size", "bytes"}
)

const (
	MLabelError    = "error"
	MLabelPeerAddr = "peer_addr"
	MLabelProtocol = "protocol"
)

func withLabel(labels []metrics.Label, name, value string) []metrics.Label {
	out := make([]metrics.Label, len(labels), len(labels)+1)
	copy(out, labels)
	return append(out, metrics.Label{Name: name, Value: value})
}
