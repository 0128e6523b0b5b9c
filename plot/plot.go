// Package plot renders the counter file as a stair-step chart, one line per
// room. Each value holds until the next recorded timestamp, which is exactly
// the semantics of the stored series.
package plot

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/onnwee/matrix-census/status"
)

// Options controls one rendering.
type Options struct {
	// Output is the image path; the extension picks the format (pdf, png,
	// svg, ...).
	Output string
	// ExcludePrefixes drops rooms whose display name starts with any of the
	// given prefixes.
	ExcludePrefixes []string
}

// DefaultOutput is used when no output path is given; PDF keeps the chart
// vector-scalable.
const DefaultOutput = "counter_matrix.pdf"

type roomSeries struct {
	id     string
	name   string
	points plotter.XYs
}

// buildSeries converts eligible rooms into plottable point sets, sorted
// ascending by most recent count. The final point of each series duplicates
// the last timestamp so the closing plateau renders with visible width.
func buildSeries(c *status.Counters, exclude []string) ([]roomSeries, error) {
	ids := make([]string, 0, len(c.Rooms))
	for id := range c.Rooms {
		ids = append(ids, id)
	}
	// name-secondary ordering keeps renders reproducible across runs
	sort.Slice(ids, func(i, j int) bool {
		a, b := c.Rooms[ids[i]], c.Rooms[ids[j]]
		if a.Counts.Last() != b.Counts.Last() {
			return a.Counts.Last() < b.Counts.Last()
		}
		return a.Name < b.Name
	})

	var out []roomSeries
	for _, id := range ids {
		room := c.Rooms[id]
		if room.Counts.Len() == 0 || excluded(room.Name, exclude) {
			continue
		}
		pts := make(plotter.XYs, 0, room.Counts.Len()+1)
		for i, raw := range room.Counts.Times {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return nil, fmt.Errorf("room %s: bad timestamp %q: %w", id, raw, err)
			}
			pts = append(pts, plotter.XY{X: float64(t.Unix()), Y: float64(room.Counts.Values[i])})
		}
		pts = append(pts, pts[len(pts)-1])
		out = append(out, roomSeries{id: id, name: room.Name, points: pts})
	}
	return out, nil
}

func excluded(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Render draws the chart and writes it to opts.Output.
func Render(c *status.Counters, opts Options) error {
	series, err := buildSeries(c, opts.ExcludePrefixes)
	if err != nil {
		return err
	}
	if len(series) == 0 {
		return fmt.Errorf("nothing to plot: no eligible rooms with data")
	}
	out := opts.Output
	if out == "" {
		out = DefaultOutput
	}

	p := plot.New()
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02"}
	p.Y.Label.Text = "members"

	xmin, xmax := series[0].points[0].X, series[0].points[0].X
	for i, rs := range series {
		line, err := plotter.NewLine(rs.points)
		if err != nil {
			return fmt.Errorf("room %s: %w", rs.id, err)
		}
		line.StepStyle = plotter.PostStep
		line.LineStyle.Width = vg.Points(1)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(rs.name, line)

		if first := rs.points[0].X; first < xmin {
			xmin = first
		}
		if last := rs.points[len(rs.points)-1].X; last > xmax {
			xmax = last
		}
	}
	p.X.Min, p.X.Max = xmin, xmax
	p.Y.Min = 0
	p.Legend.Top = true
	p.Legend.Left = true

	if err := p.Save(12.8*vg.Inch, 7.2*vg.Inch, out); err != nil {
		return fmt.Errorf("write chart to %s: %w", out, err)
	}
	return nil
}
