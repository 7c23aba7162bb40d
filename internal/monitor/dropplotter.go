package monitor

import (
	"fmt"
	"net/http"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// handleDropsPlot renders the per-block drop history as a PNG line plot.
// The echarts bar view is interactive; this endpoint exists for shift
// reports and anything that wants a static image.
func (ws *WebServer) handleDropsPlot(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no observation database")
		return
	}
	n := 256
	if q := r.URL.Query().Get("n"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= 8192 {
			n = v
		}
	}
	blocks, err := ws.db.RecentBlocks(n)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("query error: %v", err))
		return
	}
	if len(blocks) == 0 {
		ws.writeJSONError(w, http.StatusNotFound, "no finalized blocks yet")
		return
	}

	pts := make(plotter.XYs, len(blocks))
	for i := len(blocks) - 1; i >= 0; i-- {
		j := len(blocks) - 1 - i
		pts[j].X = float64(blocks[i].BlockNum)
		pts[j].Y = float64(blocks[i].NDrop)
	}

	p := plot.New()
	p.Title.Text = "Dropped packets per block"
	p.X.Label.Text = "Block number"
	p.Y.Label.Text = "NDROP"

	line, err := plotter.NewLine(pts)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("plot error: %v", err))
		return
	}
	line.Width = vg.Points(1)
	p.Add(line)
	p.Add(plotter.NewGrid())

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("write error: %v", err))
	}
}
