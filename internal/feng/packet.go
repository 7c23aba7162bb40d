// Package feng implements the wire codec for SNAP F-engine voltage packets.
//
// Each UDP datagram carries a small tile of the 4-dimensional voltage voxel
// (antenna x time x channel x polarization): a fixed 16-byte header followed
// by PKTNTIME x PKTNCHAN dual-polarization samples. Header fields are
// big-endian; the payload is read and copied in 16-bit units with the two
// polarizations packed together.
package feng

import (
	"encoding/binary"
	"fmt"
)

// F-engine voltage packet structure constants.
const (
	HeaderSize = 16 // fixed header: pktidx(8) + feng_id(2) + feng_chan(2) + n_chan(2) + version(1) + type(1)

	// Offsets of the header fields within the frame.
	pktIdxOffset   = 0
	fengIDOffset   = 8
	fengChanOffset = 10
	nChanOffset    = 12
	versionOffset  = 14
	typeOffset     = 15

	// PktIdxMask removes the auxiliary channel tag carried in the top 8 bits
	// of the packet index by legacy firmware.
	PktIdxMask = (uint64(1) << 56) - 1

	// NPol is the number of polarizations packed into one 16-bit payload unit.
	NPol = 2

	// SampleBytes is the size of one complex voltage sample (4-bit real +
	// 4-bit imaginary).
	SampleBytes = 1

	// PolSampleBytes is the size of the packed dual-polarization unit: the
	// atom of every payload copy.
	PolSampleBytes = NPol * SampleBytes
)

// Header is a decoded F-engine packet header.
type Header struct {
	PktIdx   uint64 // monotonically advancing packet index, aux tag masked off
	FengID   uint16 // antenna index in [0, NANTS)
	FengChan uint16 // absolute starting channel of this packet
	NChan    uint16 // channels in this packet (PKTNCHAN)
	Version  uint8
	Type     uint8
}

// PayloadBytes returns the payload size implied by the header geometry for
// the given number of time samples per packet.
func PayloadBytes(pktNTime, pktNChan int) int {
	return pktNTime * pktNChan * PolSampleBytes
}

// ParseHeader decodes the fixed header of a slot-aligned frame. It validates
// only what can be judged from the frame itself; geometry checks against the
// active observation happen in the ingest.
func ParseHeader(frame []byte) (Header, error) {
	if len(frame) < HeaderSize {
		return Header{}, fmt.Errorf("frame too short for header: need %d bytes, have %d", HeaderSize, len(frame))
	}
	return Header{
		PktIdx:   binary.BigEndian.Uint64(frame[pktIdxOffset:]) & PktIdxMask,
		FengID:   binary.BigEndian.Uint16(frame[fengIDOffset:]),
		FengChan: binary.BigEndian.Uint16(frame[fengChanOffset:]),
		NChan:    binary.BigEndian.Uint16(frame[nChanOffset:]),
		Version:  frame[versionOffset],
		Type:     frame[typeOffset],
	}, nil
}

// Payload returns the payload section of a frame.
func Payload(frame []byte) []byte {
	return frame[HeaderSize:]
}

// WriteHeader encodes h into the first HeaderSize bytes of frame. Used by the
// packet generator and by tests; the ingest itself never writes headers.
func WriteHeader(frame []byte, h Header) error {
	if len(frame) < HeaderSize {
		return fmt.Errorf("frame too short for header: need %d bytes, have %d", HeaderSize, len(frame))
	}
	binary.BigEndian.PutUint64(frame[pktIdxOffset:], h.PktIdx)
	binary.BigEndian.PutUint16(frame[fengIDOffset:], h.FengID)
	binary.BigEndian.PutUint16(frame[fengChanOffset:], h.FengChan)
	binary.BigEndian.PutUint16(frame[nChanOffset:], h.NChan)
	frame[versionOffset] = h.Version
	frame[typeOffset] = h.Type
	return nil
}

// BuildPacket assembles a complete frame from a header and payload. The
// payload is laid out time-slowest, polarization-fastest: for each time step,
// PKTNCHAN packed dual-polarization units.
func BuildPacket(h Header, payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	_ = WriteHeader(frame, h)
	copy(frame[HeaderSize:], payload)
	return frame
}
