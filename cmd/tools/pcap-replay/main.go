// Command pcap-replay resends the UDP frames of a capture file to a running
// ingest, optionally honouring the original inter-packet timing. Useful for
// regression runs against traffic recorded at the telescope.
package main

import (
	"flag"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	pcapFile = flag.String("pcap", "", "Capture file to replay (required)")
	dest     = flag.String("dest", "127.0.0.1:10000", "Destination address")
	port     = flag.Int("port", 0, "Only replay frames captured for this UDP port (0 = all)")
	paced    = flag.Bool("paced", true, "Honour capture timestamps")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("A capture file is required (-pcap)")
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("Failed to open %s: %v", *pcapFile, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		log.Fatalf("Failed to read %s: %v", *pcapFile, err)
	}

	addr, err := net.ResolveUDPAddr("udp", *dest)
	if err != nil {
		log.Fatalf("Failed to resolve %s: %v", *dest, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *dest, err)
	}
	defer conn.Close()

	count := 0
	var prevTS time.Time
	start := time.Now()

	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Capture read failed after %d frame(s): %v", count, err)
		}

		pkt := gopacket.NewPacket(data, r.LinkType(), gopacket.Lazy)
		udpLayer := pkt.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if *port != 0 && int(udp.DstPort) != *port {
			continue
		}

		if *paced && !prevTS.IsZero() {
			if gap := ci.Timestamp.Sub(prevTS); gap > 0 {
				time.Sleep(gap)
			}
		}
		prevTS = ci.Timestamp

		if _, err := conn.Write(udp.Payload); err != nil {
			log.Fatalf("Send failed: %v", err)
		}
		count++
		if count%10000 == 0 {
			elapsed := time.Since(start)
			log.Printf("Replay progress: %d frame(s) in %v (%.0f pkt/s)",
				count, elapsed, float64(count)/elapsed.Seconds())
		}
	}

	log.Printf("Replayed %d frame(s) in %v", count, time.Since(start))
}
