// Command voltaged runs the UDP voltage ingest: capture -> parse -> scatter
// -> block assembly, with a GUPPI raw recorder draining the output ring, an
// observation database and an HTTP monitor. All observation parameters flow
// through the status buffer; flags configure only the process plumbing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hatcreek-data/voltage.report/internal/monitor"
	"github.com/hatcreek-data/voltage.report/internal/monitoring"
	"github.com/hatcreek-data/voltage.report/internal/obsdb"
	"github.com/hatcreek-data/voltage.report/internal/recorder"
	"github.com/hatcreek-data/voltage.report/internal/status"
	"github.com/hatcreek-data/voltage.report/internal/voltage"
	"github.com/hatcreek-data/voltage.report/internal/voltage/network"
)

var (
	listen     = flag.String("listen", ":8081", "HTTP monitor listen address")
	bindHost   = flag.String("bind-host", "", "Local interface address, published as BINDHOST (UDP flows bind to their DESTIP address)")
	bindPort   = flag.Int("bind-port", 10000, "UDP port for F-engine flows")
	pcapFile   = flag.String("pcap", "", "Replay a PCAP capture instead of listening on UDP")
	pcapPaced  = flag.Bool("pcap-paced", false, "Honour capture timestamps during replay")
	dbFile     = flag.String("db", "obs_data.db", "Path to the observation database (empty to disable)")
	recordDir  = flag.String("record-dir", ".", "Directory for GUPPI raw session files")
	nBlocks    = flag.Int("blocks", 8, "Output ring depth in blocks")
	blockSize  = flag.Int("block-size", 128<<20, "Physical data bytes per output block")
	rcvBuf     = flag.Int("rcvbuf", 4<<20, "UDP receive buffer size in bytes per flow")
	debugLog   = flag.Bool("debug", false, "Enable debug logging")
	statusVals statusFlags
)

// statusFlags collects repeated -status KEY=VALUE seeds for the status
// buffer, so a deployment can pin observation geometry from its unit file.
type statusFlags map[string]string

func (s statusFlags) String() string { return fmt.Sprint(map[string]string(s)) }

func (s statusFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("expected KEY=VALUE, got %q", v)
	}
	s[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(val)
	return nil
}

func main() {
	statusVals = make(statusFlags)
	flag.Var(statusVals, "status", "Seed a status buffer key, KEY=VALUE (repeatable)")
	flag.Parse()

	monitoring.SetDebug(*debugLog)

	sb := status.NewBuffer()
	sb.Atomically(func(v *status.Values) {
		v.SetString("BINDHOST", *bindHost)
		v.SetInt(voltage.KeyBindPort, int64(*bindPort))
		v.SetInt(voltage.KeyMaxFlows, voltage.DefaultMaxFlows)
		v.SetString(voltage.KeyDestIP, "0.0.0.0")
		for k, val := range statusVals {
			v.SetString(k, val)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var src voltage.PacketSource
	if *pcapFile != "" {
		replay := network.NewReplaySource(*pcapFile, *bindPort, *pcapPaced)
		replay.Start(ctx)
		src = replay
		log.Printf("Replaying %s (paced=%v)", *pcapFile, *pcapPaced)
	} else {
		udp := network.NewUDPSource(network.UDPSourceConfig{
			BindHost: *bindHost,
			RcvBuf:   *rcvBuf,
		})
		udp.Start(ctx)
		src = udp
	}

	ring := voltage.NewBlockRing(*nBlocks, *blockSize)

	var db *obsdb.DB
	if *dbFile != "" {
		var err error
		db, err = obsdb.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open observation database: %v", err)
		}
		defer db.Close()
	}

	rec := recorder.New(ring, *recordDir)
	if db != nil {
		rec.OnSession = func(id, path string) {
			if err := db.RecordSession(id, path); err != nil {
				log.Printf("Failed to record session %s: %v", id, err)
			}
		}
	}

	loop := voltage.NewIngestLoop(voltage.LoopConfig{
		Source:        src,
		Ring:          ring,
		Status:        sb,
		BlockDataSize: *blockSize,
		OnFinalize: func(bs voltage.BlockStats) {
			if db == nil {
				return
			}
			if err := db.RecordBlock(obsdb.BlockRow{
				BlockNum: bs.BlockNum,
				PktIdx:   int64(bs.PktIdx),
				NPkt:     bs.NPacket,
				NDrop:    bs.NDrop,
			}); err != nil {
				log.Printf("Failed to record block %d: %v", bs.BlockNum, err)
			}
		},
	})

	web := monitor.NewWebServer(sb, db)
	web.Start(ctx)
	httpSrv := &http.Server{Addr: *listen, Handler: web.Mux()}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil {
			log.Printf("Ingest loop failed: %v", err)
			stop()
		}
		ring.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rec.Run(ctx); err != nil {
			log.Printf("Recorder failed: %v", err)
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("Monitor listening on %s", *listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Monitor server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Print("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Monitor shutdown failed: %v", err)
	}

	wg.Wait()
	if udp, ok := src.(*network.UDPSource); ok {
		if err := udp.TeardownFlows(); err != nil {
			log.Printf("Flow teardown failed: %v", err)
		}
	}
}
