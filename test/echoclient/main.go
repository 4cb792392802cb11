package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/Pseudo-KCP/config"
	"github.com/Clouded-Sabre/Pseudo-KCP/lib"
)

func main() {
	serverAddr := flag.String("server", "127.0.0.1:8901", "Echo server address")
	configPath := flag.String("config", "config.yaml", "Configuration file")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "Interval between packets (e.g., 500ms, 1s)")
	count := flag.Int("count", 0, "Number of packets to send, 0 runs until interrupted")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}

	core, err := lib.NewKcpCore(cfg)
	if err != nil {
		log.Fatalln(err)
	}
	defer core.Close()

	reconnectCfg := lib.DefaultReconnectConfig()
	reconnectCfg.OnReconnect = func() {
		log.Println("[RECONNECT] Successfully reconnected to echo server")
	}
	reconnectCfg.OnFinalFailure = func(err error) {
		log.Printf("[RECONNECT] Failed to reconnect after all retries: %v\n", err)
	}

	dial := func(ctx context.Context) (*lib.Session, error) {
		ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
		return core.DialKcp(ctx, *serverAddr)
	}
	conn, err := lib.NewReconnectingConnection(context.Background(), dial, reconnectCfg)
	if err != nil {
		log.Fatalln("Error connecting:", err)
	}
	defer conn.Close()

	fmt.Println("Echo client connected to server!")
	fmt.Printf("Sending packets at %v interval (press Ctrl+C to exit)...\n", *packetInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	successCount, failureCount, packetCount := 0, 0, 0
	buffer := make([]byte, cfg.MSS())

	ticker := time.NewTicker(*packetInterval)
	defer ticker.Stop()

loop:
	for *count == 0 || packetCount < *count {
		select {
		case <-sigChan:
			break loop
		case <-ticker.C:
		}

		packetCount++
		msg := fmt.Sprintf("Echo #%d at %s", packetCount, time.Now().Format(time.RFC3339Nano))
		start := time.Now()
		if _, err := conn.Write([]byte(msg)); err != nil {
			log.Printf("Write error: %v\n", err)
			failureCount++
			continue
		}

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := conn.Read(buffer)
		if err != nil {
			log.Printf("Read error: %v\n", err)
			failureCount++
			continue
		}
		if string(buffer[:n]) != msg {
			log.Printf("Echo mismatch: sent %q, got %q\n", msg, buffer[:n])
			failureCount++
			continue
		}
		successCount++
		log.Printf("Echo #%d ok in %v\n", packetCount, time.Since(start))
	}

	st := conn.Session().Stats()
	reconnects, _, _ := conn.ReconnectStats()
	fmt.Printf("\nSent %d, ok %d, failed %d, reconnects %d\n", packetCount, successCount, failureCount, reconnects)
	fmt.Printf("Session %d: srtt %v, rto %v, %d retransmissions, %d fast retransmits\n",
		st.Conv, st.SRTT, st.RTO, st.Retransmissions, st.FastRetransmits)
}
