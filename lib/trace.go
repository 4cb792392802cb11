package lib

import (
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const traceSnapLen = 65536

// packetTrace writes every datagram the core sends or receives to a pcap
// file as raw IP/UDP packets, so the trace opens in wireshark or kcpdump.
type packetTrace struct {
	mu sync.Mutex
	f  *os.File
	w  *pcapgo.Writer
}

func openTrace(path string) (*packetTrace, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(traceSnapLen, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	log.Println("KCP: writing packet trace to", path)
	return &packetTrace{f: f, w: w}, nil
}

func udpEndpoint(addr net.Addr) (net.IP, int) {
	if u, ok := addr.(*net.UDPAddr); ok && u.IP != nil {
		return u.IP, u.Port
	}
	return net.IPv4zero, 0
}

// record appends one datagram. Errors are logged, tracing never fails a send.
func (t *packetTrace) record(src, dst net.Addr, datagram []byte) {
	srcIP, srcPort := udpEndpoint(src)
	dstIP, dstPort := udpEndpoint(dst)

	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	var ip gopacket.SerializableLayer
	if dst4 := dstIP.To4(); dst4 != nil {
		src4 := srcIP.To4()
		if src4 == nil {
			src4 = net.IPv4zero.To4()
		}
		ip4 := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src4, DstIP: dst4}
		udp.SetNetworkLayerForChecksum(ip4)
		ip = ip4
	} else {
		ip6 := &layers.IPv6{Version: 6, HopLimit: 64, NextHeader: layers.IPProtocolUDP, SrcIP: srcIP.To16(), DstIP: dstIP.To16()}
		udp.SetNetworkLayerForChecksum(ip6)
		ip = ip6
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(datagram)); err != nil {
		log.Println("KCP trace: serialize:", err)
		return
	}
	data := buf.Bytes()
	if len(data) > traceSnapLen {
		data = data[:traceSnapLen]
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return
	}
	ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(buf.Bytes())}
	if err := t.w.WritePacket(ci, data); err != nil {
		log.Println("KCP trace: write:", err)
	}
}

func (t *packetTrace) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.w == nil {
		return nil
	}
	t.w = nil
	return t.f.Close()
}
