package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/banshee-data/mocapfusion/internal/httputil"
	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

const defaultMaxPoints = 5000

// maxPointsParam reads max_points, falling back to the default for missing
// or out-of-range values.
func maxPointsParam(r *http.Request) int {
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v >= 10 && v <= 50000 {
			return v
		}
	}
	return defaultMaxPoints
}

func stride(n, max int) int {
	if n <= max {
		return 1
	}
	return (n + max - 1) / max
}

// handleTimeline renders bodies and points per frame over elapsed time as
// an HTML chart.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	sq, ok := s.parseSessionQuery(w, r)
	if !ok {
		return
	}
	sess, err := sq.store.LoadSession(r.Context(), sq.name, sq.start, sq.end)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(sess.Frames) == 0 {
		httputil.NotFound(w, "no frames in the requested window")
		return
	}

	step := stride(len(sess.Frames), maxPointsParam(r))
	xs := make([]int64, 0, len(sess.Frames)/step+1)
	bodies := make([]opts.LineData, 0, cap(xs))
	points := make([]opts.LineData, 0, cap(xs))
	for i := 0; i < len(sess.Frames); i += step {
		f := sess.Frames[i]
		xs = append(xs, f.ElapsedMillis)
		bodies = append(bodies, opts.LineData{Value: len(f.Bodies)})
		points = append(points, opts.LineData{Value: f.PointCount()})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Session timeline", Theme: "dark", Width: "1200px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: sq.name, Subtitle: fmt.Sprintf("source=%s frames=%d stride=%d", sq.source, len(sess.Frames), step)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "elapsed (ms)", NameLocation: "middle", NameGap: 25}),
	)
	line.SetXAxis(xs).
		AddSeries("bodies", bodies).
		AddSeries("points", points)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handlePlot renders a top-down (X/Z) trajectory PNG with one line per
// named body. The optional body parameter restricts it to one body.
func (s *Server) handlePlot(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	sq, ok := s.parseSessionQuery(w, r)
	if !ok {
		return
	}
	sess, err := sq.store.LoadSession(r.Context(), sq.name, sq.start, sq.end)
	if err != nil {
		writeError(w, err)
		return
	}

	tracks := trajectories(sess.Frames, r.URL.Query().Get("body"), maxPointsParam(r))
	if len(tracks) == 0 {
		httputil.NotFound(w, "no body positions in the requested window")
		return
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s/%s", sq.source, sq.name)
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"
	p.Add(plotter.NewGrid())

	names := make([]string, 0, len(tracks))
	for name := range tracks {
		names = append(names, name)
	}
	sort.Strings(names)
	var lines []interface{}
	for _, name := range names {
		lines = append(lines, name, tracks[name])
	}
	if err := plotutil.AddLines(p, lines...); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
		return
	}

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = wt.WriteTo(w)
}

// trajectories collects the centroid of every named body per frame,
// projected onto the floor plane.
func trajectories(frames []*mocap.Frame, only string, maxPoints int) map[string]plotter.XYs {
	step := stride(len(frames), maxPoints)
	out := make(map[string]plotter.XYs)
	for i := 0; i < len(frames); i += step {
		for _, b := range frames[i].Bodies {
			if b.Name == "" || len(b.Points) == 0 || (only != "" && b.Name != only) {
				continue
			}
			var x, z float64
			for _, pt := range b.Points {
				x += pt.Position.X
				z += pt.Position.Z
			}
			n := float64(len(b.Points))
			out[b.Name] = append(out[b.Name], plotter.XY{X: x / n, Y: z / n})
		}
	}
	return out
}
