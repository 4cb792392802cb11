package main

import (
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/Pseudo-KCP/config"
	"github.com/Clouded-Sabre/Pseudo-KCP/lib"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8901", "UDP address to listen on")
	configPath := flag.String("config", "config.yaml", "Configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}

	core, err := lib.NewKcpCore(cfg)
	if err != nil {
		log.Fatalln(err)
	}

	srv, err := core.ListenKcp(*addr)
	if err != nil {
		log.Fatalln("Listen error:", err)
	}
	log.Printf("Echo server listening on %s (profile %s)\n", srv.Addr(), cfg.Profile)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down echo server...")
		for _, st := range srv.Sessions() {
			log.Printf("  conv %d %s: %s, %d bytes in, %d retransmissions", st.Conv, st.RemoteAddr, st.State, st.BytesReceived, st.Retransmissions)
		}
		core.Close()
	}()

	for {
		conn, err := srv.AcceptSession()
		if err != nil {
			if err == lib.ErrListenerClosed {
				return
			}
			log.Println("Accept error:", err)
			continue
		}
		log.Printf("New session %d from %s\n", conn.Conv(), conn.RemoteAddr())
		go handleConn(conn, cfg.MSS())
	}
}

func handleConn(c *lib.Session, bufSize int) {
	defer c.Close()
	buf := make([]byte, bufSize)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Printf("Session %d closed by client\n", c.Conv())
				return
			}
			log.Println("Read error:", err)
			return
		}
		log.Printf("Echo server got: %s", string(buf[:n]))
		if _, err = c.Write(buf[:n]); err != nil {
			log.Println("Write error:", err)
			return
		}
	}
}
