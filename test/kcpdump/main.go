package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/Clouded-Sabre/Pseudo-KCP/lib"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func main() {
	path := flag.String("r", "kcp.pcap", "pcap trace written with trace_path")
	conv := flag.Uint("conv", 0, "Only show this conv (0 shows all)")
	showData := flag.Bool("x", false, "Print segment payloads")
	flag.Parse()

	f, err := os.Open(*path)
	if err != nil {
		log.Fatalln("Open error:", err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		log.Fatalln("Not a pcap file:", err)
	}

	counts := map[lib.Command]int{}
	packets := 0
	for {
		data, ci, err := r.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalln("Read error:", err)
		}
		packets++

		first := layers.LayerTypeIPv4
		if len(data) > 0 && data[0]>>4 == 6 {
			first = layers.LayerTypeIPv6
		}
		pkt := gopacket.NewPacket(data, first, gopacket.Default)
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		src, dst := pkt.NetworkLayer().NetworkFlow().Endpoints()

		segs, err := lib.DecodeLayers(udp.Payload)
		if err != nil {
			fmt.Printf("%s %s:%d > %s:%d malformed: %v\n", ci.Timestamp.Format("15:04:05.000000"), src, uint16(udp.SrcPort), dst, uint16(udp.DstPort), err)
			continue
		}
		for _, seg := range segs {
			if *conv != 0 && seg.Conv != uint32(*conv) {
				continue
			}
			counts[seg.Cmd]++
			fmt.Printf("%s %s:%d > %s:%d %v\n", ci.Timestamp.Format("15:04:05.000000"), src, uint16(udp.SrcPort), dst, uint16(udp.DstPort), &seg.Segment)
			if *showData && len(seg.Data) > 0 {
				fmt.Printf("\t%q\n", seg.Data)
			}
		}
	}

	fmt.Printf("\n%d datagrams", packets)
	for _, cmd := range []lib.Command{lib.CmdPush, lib.CmdAck, lib.CmdWask, lib.CmdWins, lib.CmdFin} {
		fmt.Printf(", %d %s", counts[cmd], cmd)
	}
	fmt.Println()
}
