package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format:
// every counter as one `media_relay_events_total` series labelled by event,
// plus a gauge of live sessions when active is non-nil.
func PrometheusHandler(m *Metrics, active func() int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintln(w, "# HELP media_relay_events_total Internal event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE media_relay_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "media_relay_events_total{event=\"%s\"} %d\n", labelEscaper.Replace(k), snap[k])
		}
		if active != nil {
			_, _ = fmt.Fprintln(w, "# HELP media_relay_active_sessions Relay sessions currently registered.")
			_, _ = fmt.Fprintln(w, "# TYPE media_relay_active_sessions gauge")
			_, _ = fmt.Fprintf(w, "media_relay_active_sessions %d\n", active())
		}
	})
}
