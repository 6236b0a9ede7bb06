package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Gauge is sampled at scrape time.
type Gauge struct {
	Name  string
	Help  string
	Value func() float64
}

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler serves counters as filecast_hub_events_total{event=...}
// followed by any gauges, in Prometheus' text exposition format.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
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
		_, _ = fmt.Fprintln(w, "# HELP filecast_hub_events_total Hub event counters.")
		_, _ = fmt.Fprintln(w, "# TYPE filecast_hub_events_total counter")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "filecast_hub_events_total{event=\"%s\"} %d\n", labelEscaper.Replace(k), snap[k])
		}
		for _, g := range gauges {
			if g.Value == nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "# HELP %s %s\n", g.Name, g.Help)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", g.Name)
			_, _ = fmt.Fprintf(w, "%s %g\n", g.Name, g.Value())
		}
	})
}
