package obsdb

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AddDebugHandlers mounts the tsweb debugger on mux with a live tailSQL
// browser over the observation database and a JSON drop summary.
func (db *DB) AddDebugHandlers(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://obs.db", db.DB, &tailsql.DBOptions{
		Label: "Observation DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("drop-summary", "Drop statistics over recent blocks (JSON)", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		summary, err := db.SummarizeDrops(256)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to summarize drops: %v", err), http.StatusInternalServerError)
			return
		}
		if err := json.NewEncoder(w).Encode(summary); err != nil {
			http.Error(w, fmt.Sprintf("Failed to encode summary: %v", err), http.StatusInternalServerError)
		}
	}))

	return nil
}
