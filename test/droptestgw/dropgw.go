package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/Pseudo-KCP/filter"
)

var (
	listenAddr    string
	targetAddr    string
	dropRate      float64
	duplicateRate float64
	reorderRate   float64
	delay         time.Duration
	reorderWindow time.Duration
	seed          int64
)

func init() {
	flag.StringVar(&listenAddr, "listen", "127.0.0.1:8902", "Gateway UDP address clients connect to")
	flag.StringVar(&targetAddr, "target", "127.0.0.1:8901", "Server UDP address")
	flag.Float64Var(&dropRate, "droprate", 0.1, "Datagram drop rate (0.0-1.0)")
	flag.Float64Var(&duplicateRate, "duprate", 0, "Datagram duplication rate (0.0-1.0)")
	flag.Float64Var(&reorderRate, "reorderrate", 0, "Share of datagrams held back (0.0-1.0)")
	flag.DurationVar(&delay, "delay", 0, "One-way delay added to every datagram")
	flag.DurationVar(&reorderWindow, "reorderwindow", 50*time.Millisecond, "Maximum extra delay of held back datagrams")
	flag.Int64Var(&seed, "seed", time.Now().UnixNano(), "Random seed")
	flag.Parse()
}

// relay forwards datagrams of every client through its own upstream socket,
// impairing both directions.
type relay struct {
	downstream *filter.LossyConn
	target     *net.UDPAddr
	imp        filter.Impairment

	mu        sync.Mutex
	upstreams map[string]*filter.LossyConn
	filters   []*filter.RandomFilter
	nextSeed  int64
}

func (r *relay) newFilter() *filter.RandomFilter {
	r.nextSeed++
	f, err := filter.NewRandomFilter(r.imp, r.nextSeed)
	if err != nil {
		log.Fatalln("Filter error:", err)
	}
	r.filters = append(r.filters, f)
	return f
}

func (r *relay) upstream(client net.Addr) (*filter.LossyConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := client.String()
	if up, ok := r.upstreams[key]; ok {
		return up, nil
	}
	raw, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	up := filter.NewLossyConn(raw, r.newFilter())
	r.upstreams[key] = up
	log.Printf("New client %s relayed through %s\n", key, raw.LocalAddr())
	go r.pumpBack(up, client)
	return up, nil
}

// pumpBack copies server replies to the client.
func (r *relay) pumpBack(up *filter.LossyConn, client net.Addr) {
	buf := make([]byte, 65535)
	for {
		n, _, err := up.ReadFrom(buf)
		if err != nil {
			return
		}
		if _, err := r.downstream.WriteTo(buf[:n], client); err != nil {
			log.Println("Write to client error:", err)
		}
	}
}

func (r *relay) serve() {
	buf := make([]byte, 65535)
	for {
		n, client, err := r.downstream.ReadFrom(buf)
		if err != nil {
			log.Println("Gateway read error:", err)
			return
		}
		up, err := r.upstream(client)
		if err != nil {
			log.Println("Upstream socket error:", err)
			continue
		}
		if _, err := up.WriteTo(buf[:n], r.target); err != nil {
			log.Println("Write to server error:", err)
		}
	}
}

func (r *relay) report() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var judged, dropped, duplicated, reordered int
	for _, f := range r.filters {
		j, d, du, re := f.Stats()
		judged += j
		dropped += d
		duplicated += du
		reordered += re
	}
	log.Printf("Relayed %d datagrams: %d dropped, %d duplicated, %d reordered\n", judged, dropped, duplicated, reordered)
}

func (r *relay) close() {
	r.downstream.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, up := range r.upstreams {
		up.Close()
	}
}

func main() {
	imp := filter.Impairment{
		DropRate:      dropRate,
		DuplicateRate: duplicateRate,
		ReorderRate:   reorderRate,
		BaseDelay:     delay,
		ReorderWindow: reorderWindow,
	}
	if err := imp.Validate(); err != nil {
		log.Fatalln("Invalid impairment:", err)
	}

	target, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		log.Fatalln("Target address error:", err)
	}
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		log.Fatalln("Listen address error:", err)
	}
	gw, err := net.ListenUDP("udp", laddr)
	if err != nil {
		log.Fatalln("Listen error:", err)
	}

	r := &relay{target: target, imp: imp, upstreams: make(map[string]*filter.LossyConn), nextSeed: seed}
	r.downstream = filter.NewLossyConn(gw, r.newFilter())

	log.Printf("Drop gateway %s -> %s (drop %.2f, dup %.2f, reorder %.2f, delay %v)\n",
		gw.LocalAddr(), target, dropRate, duplicateRate, reorderRate, delay)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		r.report()
		r.close()
	}()

	r.serve()
}
