package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP chatrelay_uptime_seconds Time since relay started\n")
	sb.WriteString("# TYPE chatrelay_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("chatrelay_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	writeCounter(&sb, "chatrelay_requests_total", "Accepted relay requests by provider", "provider", snap.RequestsByProvider)
	writeCounter(&sb, "chatrelay_rejected_requests_total", "Requests rejected by validation", "code", snap.RejectsByCode)

	sb.WriteString("# HELP chatrelay_streams_in_progress Upstream streams currently open\n")
	sb.WriteString("# TYPE chatrelay_streams_in_progress gauge\n")
	for _, provider := range sortedKeys(snap.StreamsInProgress) {
		if count := snap.StreamsInProgress[provider]; count > 0 { // Only show active providers
			sb.WriteString(fmt.Sprintf("chatrelay_streams_in_progress{provider=\"%s\"} %d\n", provider, count))
		}
	}
	sb.WriteString("\n")

	writeCounter(&sb, "chatrelay_upstream_failures_total", "Upstream failures by provider", "provider", snap.UpstreamFailures)
	writeCounter(&sb, "chatrelay_stream_duration_ms_total", "Total stream duration in milliseconds", "provider", snap.UpstreamLatency)
	writeCounter(&sb, "chatrelay_stream_deltas_total", "Text records written to clients", "provider", snap.DeltasByProvider)
	writeCounter(&sb, "chatrelay_stream_bytes_total", "Text bytes written to clients", "provider", snap.BytesByProvider)

	return sb.String()
}

func writeCounter(sb *strings.Builder, name, help, label string, values map[string]int64) {
	sb.WriteString(fmt.Sprintf("# HELP %s %s\n", name, help))
	sb.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
	for _, key := range sortedKeys(values) {
		sb.WriteString(fmt.Sprintf("%s{%s=\"%s\"} %d\n", name, label, key, values[key]))
	}
	sb.WriteString("\n")
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
