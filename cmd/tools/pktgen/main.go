// Command pktgen sends a deterministic F-engine packet stream over UDP for
// ingest bring-up and soak tests. The payload of every packet is a pure
// function of its coordinates, so a reader of the produced blocks can verify
// placement sample by sample.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/hatcreek-data/voltage.report/internal/feng"
)

var (
	dest     = flag.String("dest", "127.0.0.1:10000", "Destination address")
	nAnts    = flag.Int("nants", 1, "Number of antennas")
	nStrm    = flag.Int("nstrm", 1, "Streams per antenna")
	pktNTime = flag.Int("pktntime", 16, "Time samples per packet")
	pktNChan = flag.Int("pktnchan", 64, "Channels per packet")
	sChan    = flag.Int("schan", 0, "Absolute start channel")
	startIdx = flag.Uint64("start", 0, "First packet index")
	count    = flag.Uint64("count", 256, "Packet indices to send")
	pps      = flag.Int("pps", 0, "Packet indices per second (0 = unpaced)")
	dropMod  = flag.Uint64("drop-every", 0, "Drop every Nth packet index (0 = none)")
)

func main() {
	flag.Parse()

	addr, err := net.ResolveUDPAddr("udp", *dest)
	if err != nil {
		log.Fatalf("Failed to resolve %s: %v", *dest, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *dest, err)
	}
	defer conn.Close()

	gen := &feng.Generator{
		PktNTime: *pktNTime,
		PktNChan: *pktNChan,
		NAnts:    *nAnts,
		NStrm:    *nStrm,
		SChan:    *sChan,
	}

	var interval time.Duration
	if *pps > 0 {
		interval = time.Second / time.Duration(*pps)
	}

	sent := 0
	start := time.Now()
	for i := uint64(0); i < *count; i++ {
		pktidx := *startIdx + i
		if *dropMod > 0 && pktidx%*dropMod == 0 {
			continue
		}
		for _, frame := range gen.Burst(pktidx) {
			if _, err := conn.Write(frame); err != nil {
				log.Fatalf("Send failed at pktidx %d: %v", pktidx, err)
			}
			sent++
		}
		if interval > 0 {
			time.Sleep(interval)
		}
	}

	elapsed := time.Since(start)
	fmt.Printf("Sent %d frame(s) covering pktidx [%d,%d) in %v\n",
		sent, *startIdx, *startIdx+*count, elapsed)
}
