package feng

// Generator emits a deterministic F-engine packet stream for a given
// geometry. The sample value at every (pktidx, antenna, stream, channel,
// time) coordinate is a pure function of the coordinate, so scatter output
// can be verified cell by cell and gathered payloads compared bit for bit.
type Generator struct {
	PktNTime int
	PktNChan int
	NAnts    int
	NStrm    int
	SChan    int
}

// SampleUnit returns the packed dual-polarization unit for one coordinate.
func (g *Generator) SampleUnit(pktidx uint64, fid, stream, ch, t int) (lo, hi byte) {
	v := uint16(pktidx)*31 ^ uint16(fid*7) ^ uint16(stream*13) ^ uint16(ch*3) ^ uint16(t)
	return byte(v), byte(v >> 8)
}

// Payload builds the payload of one packet, time-slowest.
func (g *Generator) Payload(pktidx uint64, fid, stream int) []byte {
	payload := make([]byte, PayloadBytes(g.PktNTime, g.PktNChan))
	for t := 0; t < g.PktNTime; t++ {
		for c := 0; c < g.PktNChan; c++ {
			lo, hi := g.SampleUnit(pktidx, fid, stream, c, t)
			off := (t*g.PktNChan + c) * PolSampleBytes
			payload[off] = lo
			payload[off+1] = hi
		}
	}
	return payload
}

// Packet builds one complete frame.
func (g *Generator) Packet(pktidx uint64, fid, stream int) []byte {
	h := Header{
		PktIdx:   pktidx,
		FengID:   uint16(fid),
		FengChan: uint16(g.SChan + stream*g.PktNChan),
		NChan:    uint16(g.PktNChan),
	}
	return BuildPacket(h, g.Payload(pktidx, fid, stream))
}

// Burst builds every frame of one packet index: all antennas, all streams.
func (g *Generator) Burst(pktidx uint64) [][]byte {
	out := make([][]byte, 0, g.NAnts*g.NStrm)
	for fid := 0; fid < g.NAnts; fid++ {
		for stream := 0; stream < g.NStrm; stream++ {
			out = append(out, g.Packet(pktidx, fid, stream))
		}
	}
	return out
}
