package lib

import (
	"encoding/binary"
	"fmt"

	"github.com/Clouded-Sabre/Pseudo-KCP/config"
)

const SegmentHeaderLength = config.SegmentHeaderLength

// Command is the segment type byte.
type Command uint8

const (
	CmdPush Command = 81 // data
	CmdAck  Command = 82 // acknowledgment of one sn
	CmdWask Command = 83 // window probe, asks the peer to report its window
	CmdWins Command = 84 // window report, answer to CmdWask
	CmdFin  Command = 85 // terminate
)

func (c Command) Valid() bool {
	return c >= CmdPush && c <= CmdFin
}

func (c Command) String() string {
	switch c {
	case CmdPush:
		return "PUSH"
	case CmdAck:
		return "ACK"
	case CmdWask:
		return "WASK"
	case CmdWins:
		return "WINS"
	case CmdFin:
		return "FIN"
	default:
		return fmt.Sprintf("CMD(%d)", uint8(c))
	}
}

// Segment is the wire unit. Multi-byte fields are little-endian on the wire.
type Segment struct {
	Conv uint32
	Cmd  Command
	Frg  uint8  // fragments following this one within a message
	Wnd  uint16 // free receive window of the sender, in segments
	Ts   uint32 // sender clock in ms
	Sn   uint32
	Una  uint32 // every sn below this one has been received
	Data []byte
}

func (s *Segment) Len() int {
	return SegmentHeaderLength + len(s.Data)
}

func (s *Segment) String() string {
	return fmt.Sprintf("conv=%d cmd=%s frg=%d wnd=%d ts=%d sn=%d una=%d len=%d",
		s.Conv, s.Cmd, s.Frg, s.Wnd, s.Ts, s.Sn, s.Una, len(s.Data))
}

// AppendSegment appends the wire form of s to dst.
func AppendSegment(dst []byte, s *Segment) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, s.Conv)
	dst = append(dst, byte(s.Cmd), s.Frg)
	dst = binary.LittleEndian.AppendUint16(dst, s.Wnd)
	dst = binary.LittleEndian.AppendUint32(dst, s.Ts)
	dst = binary.LittleEndian.AppendUint32(dst, s.Sn)
	dst = binary.LittleEndian.AppendUint32(dst, s.Una)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s.Data)))
	return append(dst, s.Data...)
}

func EncodeSegment(s *Segment) []byte {
	return AppendSegment(make([]byte, 0, s.Len()), s)
}

// ParseSegment decodes the first segment in b and reports how many bytes it
// used. Data aliases b.
func ParseSegment(b []byte) (Segment, int, error) {
	var s Segment
	if len(b) < SegmentHeaderLength {
		return s, 0, malformed("truncated header: %d bytes", len(b))
	}

	s.Conv = binary.LittleEndian.Uint32(b[0:4])
	s.Cmd = Command(b[4])
	s.Frg = b[5]
	s.Wnd = binary.LittleEndian.Uint16(b[6:8])
	s.Ts = binary.LittleEndian.Uint32(b[8:12])
	s.Sn = binary.LittleEndian.Uint32(b[12:16])
	s.Una = binary.LittleEndian.Uint32(b[16:20])
	length := binary.LittleEndian.Uint32(b[20:24])

	if !s.Cmd.Valid() {
		return Segment{}, 0, malformed("unknown command %d", uint8(s.Cmd))
	}
	if uint64(length) > uint64(len(b)-SegmentHeaderLength) {
		return Segment{}, 0, malformed("payload length %d exceeds remaining %d bytes", length, len(b)-SegmentHeaderLength)
	}

	end := SegmentHeaderLength + int(length)
	if length > 0 {
		s.Data = b[SegmentHeaderLength:end:end]
	}
	return s, end, nil
}

// DecodeSegment decodes a buffer holding exactly one segment.
func DecodeSegment(b []byte) (Segment, error) {
	s, n, err := ParseSegment(b)
	if err != nil {
		return s, err
	}
	if n != len(b) {
		return Segment{}, malformed("payload length %d inconsistent with %d trailing bytes", len(s.Data), len(b)-SegmentHeaderLength)
	}
	return s, nil
}

// DecodeDatagram splits a datagram into the segments packed in it.
func DecodeDatagram(b []byte) ([]Segment, error) {
	var segs []Segment
	for len(b) > 0 {
		s, n, err := ParseSegment(b)
		if err != nil {
			return segs, err
		}
		segs = append(segs, s)
		b = b[n:]
	}
	return segs, nil
}

// PeekConv reads the connection id without decoding the rest.
func PeekConv(b []byte) (uint32, error) {
	if len(b) < SegmentHeaderLength {
		return 0, malformed("truncated header: %d bytes", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}
