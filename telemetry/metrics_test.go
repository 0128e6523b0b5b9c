package telemetry

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/matrix-census/census"
	"github.com/onnwee/matrix-census/series"
	"github.com/onnwee/matrix-census/status"
)

func TestWriteTextfile(t *testing.T) {
	m := New()
	rooms := map[string]*status.Room{
		"!a:x": {Name: "Lobby", Counts: series.Series{Times: []string{"t1"}, Values: []int{7}}},
	}
	stats := census.Stats{
		RoomsPolled: 1,
		RoomsFailed: 2,
		Observed:    time.Unix(1756000000, 0),
	}
	m.Observe(stats, rooms, 1500*time.Millisecond)

	path := filepath.Join(t.TempDir(), "matrix_census.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(b)
	for _, want := range []string{
		`matrix_census_room_members{room_id="!a:x",room_name="Lobby"} 7`,
		"matrix_census_rooms_polled 1",
		"matrix_census_rooms_failed 2",
		"matrix_census_run_duration_seconds 1.5",
		"matrix_census_last_run_timestamp_seconds 1.756e+09",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("textfile missing %q:\n%s", want, out)
		}
	}
}

func TestWriteTextfileOverwrites(t *testing.T) {
	m := New()
	m.Observe(census.Stats{RoomsPolled: 3, Observed: time.Now()}, nil, time.Second)
	path := filepath.Join(t.TempDir(), "m.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	m.Observe(census.Stats{RoomsPolled: 5, Observed: time.Now()}, nil, time.Second)
	if err := m.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	if !strings.Contains(string(b), "matrix_census_rooms_polled 5") {
		t.Errorf("textfile not replaced:\n%s", b)
	}
}
