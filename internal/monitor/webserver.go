// Package monitor is the operator surface of the ingest: an HTTP server
// showing the live status buffer, throughput charts and per-block drop
// history, plus the debug endpoints of the observation database.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/hatcreek-data/voltage.report/internal/monitoring"
	"github.com/hatcreek-data/voltage.report/internal/obsdb"
	"github.com/hatcreek-data/voltage.report/internal/status"
	"github.com/hatcreek-data/voltage.report/internal/voltage"
)

// RateSample is one sampled point of the published throughput figures.
type RateSample struct {
	Timestamp time.Time
	PhysGbps  float64
	PhysPkps  float64
	NetGbps   float64
	NetPkps   float64
	NetBlkMs  float64
}

// WebServer serves the monitor endpoints. It samples the status buffer on
// its own ticker so chart history survives page reloads.
type WebServer struct {
	status *status.Buffer
	db     *obsdb.DB

	sampleEvery time.Duration
	historyCap  int

	mu      sync.Mutex
	history []RateSample
}

// NewWebServer creates a monitor over the status buffer and observation DB.
// db may be nil when the daemon runs without persistence.
func NewWebServer(sb *status.Buffer, db *obsdb.DB) *WebServer {
	return &WebServer{
		status:      sb,
		db:          db,
		sampleEvery: 2 * time.Second,
		historyCap:  1800, // one hour at the default cadence
	}
}

// Start launches the rate sampler.
func (ws *WebServer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(ws.sampleEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ws.sample()
			}
		}
	}()
}

func (ws *WebServer) sample() {
	var s RateSample
	s.Timestamp = time.Now()
	ws.status.Atomically(func(v *status.Values) {
		s.PhysGbps = v.Float(voltage.KeyPhysGbps, 0)
		s.PhysPkps = v.Float(voltage.KeyPhysPkps, 0)
		s.NetGbps = v.Float(voltage.KeyNetGbps, 0)
		s.NetPkps = v.Float(voltage.KeyNetPkps, 0)
		s.NetBlkMs = v.Float(voltage.KeyNetBlkMs, 0)
	})

	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.history) >= ws.historyCap {
		copy(ws.history, ws.history[1:])
		ws.history = ws.history[:len(ws.history)-1]
	}
	ws.history = append(ws.history, s)
}

// History returns a copy of the sampled rate history.
func (ws *WebServer) History() []RateSample {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]RateSample, len(ws.history))
	copy(out, ws.history)
	return out
}

// Mux builds the monitor route table.
func (ws *WebServer) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", ws.handleStatusPage)
	mux.HandleFunc("/api/status", ws.handleStatusAPI)
	mux.HandleFunc("/api/status/set", ws.handleStatusSet)
	mux.HandleFunc("/charts/rates", ws.handleRatesChart)
	mux.HandleFunc("/charts/drops", ws.handleDropsChart)
	mux.HandleFunc("/plots/drops.png", ws.handleDropsPlot)
	if ws.db != nil {
		if err := ws.db.AddDebugHandlers(mux); err != nil {
			monitoring.Logf("Failed to mount debug handlers: %v", err)
		}
	}
	return mux
}

var statusPageTmpl = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html><head><title>voltage ingest</title>
<meta http-equiv="refresh" content="2">
<style>body{font-family:monospace}td{padding:0 12px}</style>
</head><body>
<h2>Voltage ingest status</h2>
<p><a href="/charts/rates">rates</a> | <a href="/charts/drops">drops</a> | <a href="/plots/drops.png">drop plot</a> | <a href="/debug/">debug</a></p>
<table>
{{range .}}<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>
{{end}}</table>
</body></html>`))

func (ws *WebServer) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	all := ws.status.All()
	type kv struct{ Key, Value string }
	rows := make([]kv, 0, len(all))
	for k, v := range all {
		rows = append(rows, kv{k, v})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPageTmpl.Execute(w, rows); err != nil {
		monitoring.Logf("Status page render failed: %v", err)
	}
}

func (ws *WebServer) handleStatusAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ws.status.All()); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("encode error: %v", err))
	}
}

// handleStatusSet is the operator control path: a POST body of key/value
// pairs applied to the status buffer under one lock acquisition.
func (ws *WebServer) handleStatusSet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var kv map[string]string
	if err := json.NewDecoder(r.Body).Decode(&kv); err != nil {
		ws.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("bad body: %v", err))
		return
	}
	ws.status.Atomically(func(v *status.Values) {
		for k, val := range kv {
			v.SetString(k, val)
		}
	})
	w.WriteHeader(http.StatusNoContent)
}

func (ws *WebServer) handleRatesChart(w http.ResponseWriter, r *http.Request) {
	history := ws.History()
	x := make([]string, len(history))
	phys := make([]opts.LineData, len(history))
	net := make([]opts.LineData, len(history))
	blkms := make([]opts.LineData, len(history))
	for i, s := range history {
		x[i] = s.Timestamp.Format("15:04:05")
		phys[i] = opts.LineData{Value: s.PhysGbps}
		net[i] = opts.LineData{Value: s.NetGbps}
		blkms[i] = opts.LineData{Value: s.NetBlkMs}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Ingest throughput", Subtitle: "Gb/s on the interface vs scattered payload"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	line.SetXAxis(x).
		AddSeries("PHYSGBPS", phys).
		AddSeries("NETGBPS", net).
		AddSeries("NETBLKMS", blkms)

	page := components.NewPage()
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) handleDropsChart(w http.ResponseWriter, r *http.Request) {
	if ws.db == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no observation database")
		return
	}
	n := 128
	if q := r.URL.Query().Get("n"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= 4096 {
			n = v
		}
	}
	blocks, err := ws.db.RecentBlocks(n)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("query error: %v", err))
		return
	}

	// Oldest first for a left-to-right timeline.
	x := make([]string, len(blocks))
	y := make([]opts.BarData, len(blocks))
	for i := len(blocks) - 1; i >= 0; i-- {
		j := len(blocks) - 1 - i
		x[j] = strconv.FormatInt(blocks[i].BlockNum, 10)
		y[j] = opts.BarData{Value: blocks[i].NDrop}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px"}),
		charts.WithTitleOpts(opts.Title{Title: "Dropped packets per block"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).AddSeries("NDROP", y)

	page := components.NewPage()
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
