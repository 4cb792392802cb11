package lib

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeKCP lets gopacket decode datagrams of this protocol, e.g. from a
// pcap trace. Segments packed in one datagram decode as a chain of layers.
var LayerTypeKCP gopacket.LayerType

func init() {
	LayerTypeKCP = gopacket.RegisterLayerType(2084, gopacket.LayerTypeMetadata{
		Name:    "KCP",
		Decoder: gopacket.DecodeFunc(decodeKCP),
	})
}

// SegmentLayer is a gopacket view of one Segment.
type SegmentLayer struct {
	layers.BaseLayer
	Segment
}

func (l *SegmentLayer) LayerType() gopacket.LayerType { return LayerTypeKCP }

func (l *SegmentLayer) CanDecode() gopacket.LayerClass { return LayerTypeKCP }

func (l *SegmentLayer) NextLayerType() gopacket.LayerType {
	if len(l.Payload) > 0 {
		return LayerTypeKCP
	}
	return gopacket.LayerTypeZero
}

func (l *SegmentLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	s, n, err := ParseSegment(data)
	if err != nil {
		df.SetTruncated()
		return err
	}
	l.Segment = s
	l.BaseLayer = layers.BaseLayer{Contents: data[:n], Payload: data[n:]}
	return nil
}

func (l *SegmentLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	buf, err := b.PrependBytes(l.Segment.Len())
	if err != nil {
		return err
	}
	copy(buf, EncodeSegment(&l.Segment))
	return nil
}

func decodeKCP(data []byte, p gopacket.PacketBuilder) error {
	l := &SegmentLayer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	if l.NextLayerType() == gopacket.LayerTypeZero {
		return nil
	}
	return p.NextDecoder(LayerTypeKCP)
}

// DecodeLayers runs a datagram through gopacket and returns its segments.
func DecodeLayers(datagram []byte) ([]*SegmentLayer, error) {
	packet := gopacket.NewPacket(datagram, LayerTypeKCP, gopacket.Default)
	var out []*SegmentLayer
	for _, layer := range packet.Layers() {
		if seg, ok := layer.(*SegmentLayer); ok {
			out = append(out, seg)
		}
	}
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return out, fmt.Errorf("decoding datagram: %w", errLayer.Error())
	}
	return out, nil
}
