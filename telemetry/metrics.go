// Package telemetry exports per-run Prometheus metrics. The collector is a
// one-shot cron job, so instead of serving /metrics it writes the
// node-exporter textfile-collector format to a configurable path after each
// run.
package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/onnwee/matrix-census/census"
	"github.com/onnwee/matrix-census/status"
)

// Metrics holds the collector's gauges on a private registry, so a run never
// inherits stale default-registry state.
type Metrics struct {
	registry *prometheus.Registry

	roomMembers  *prometheus.GaugeVec
	roomsPolled  prometheus.Gauge
	roomsFailed  prometheus.Gauge
	roomsSkipped prometheus.Gauge
	runDuration  prometheus.Gauge
	lastRun      prometheus.Gauge
}

// New registers the collector metrics.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.roomMembers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "matrix_census_room_members",
		Help: "Latest member count per tracked room (monitor account excluded)",
	}, []string{"room_id", "room_name"})
	m.roomsPolled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matrix_census_rooms_polled",
		Help: "Rooms successfully counted in the last run",
	})
	m.roomsFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matrix_census_rooms_failed",
		Help: "Rooms whose member list could not be fetched in the last run",
	})
	m.roomsSkipped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matrix_census_rooms_skipped",
		Help: "Unnamed rooms ignored in the last run",
	})
	m.runDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matrix_census_run_duration_seconds",
		Help: "Wall-clock duration of the last collection run",
	})
	m.lastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matrix_census_last_run_timestamp_seconds",
		Help: "Unix time of the last completed collection run",
	})
	m.registry.MustRegister(m.roomMembers, m.roomsPolled, m.roomsFailed, m.roomsSkipped, m.runDuration, m.lastRun)
	return m
}

// Observe records the outcome of one collection run.
func (m *Metrics) Observe(stats census.Stats, rooms map[string]*status.Room, duration time.Duration) {
	for id, room := range rooms {
		m.roomMembers.WithLabelValues(id, room.Name).Set(float64(room.Counts.Last()))
	}
	m.roomsPolled.Set(float64(stats.RoomsPolled))
	m.roomsFailed.Set(float64(stats.RoomsFailed))
	m.roomsSkipped.Set(float64(stats.RoomsSkipped))
	m.runDuration.Set(duration.Seconds())
	m.lastRun.Set(float64(stats.Observed.Unix()))
}

// WriteTextfile writes the registry in textfile-collector format, atomically
// so node_exporter never scrapes a half-written file.
func (m *Metrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp metrics file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	enc := expfmt.NewEncoder(tmp, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			tmp.Close()
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod metrics file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metrics file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
