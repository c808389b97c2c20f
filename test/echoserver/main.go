package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Clouded-Sabre/rdt/config"
	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/Clouded-Sabre/rdt/logging"
	"github.com/Clouded-Sabre/rdt/netem"
)

func main() {
	svcAddr := flag.String("svcaddr", "127.0.0.1:8901", "Service address to listen on")
	configPath := flag.String("config", "config.yaml", "configuration file")
	relayAddr := flag.String("relay", "", "netem relay address, overrides the config file")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		log.Fatalln("Configuration file error:", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if *relayAddr == "" {
		*relayAddr = cfg.Relay
	}
	if *relayAddr != "" {
		cfg.Core.ListenPacket = netem.ListenPacketFunc(*relayAddr)
	}

	rdtCoreObj, err := lib.NewRdtCore(cfg.Core)
	if err != nil {
		log.Fatalln(err)
	}
	defer rdtCoreObj.Close()

	srv, err := rdtCoreObj.Listen(*svcAddr, cfg.Core.ConnectionConfig)
	if err != nil {
		log.Fatalln("Listen error:", err)
	}
	log.Printf("Echo server listening on %s\n", srv.Addr())

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Println("Received SIGINT (Ctrl+C). Shutting down...")
		srv.Close()
	}()

	var wg sync.WaitGroup
	for {
		conn, addr, err := srv.Accept()
		if err != nil {
			if !errors.Is(err, lib.ErrServiceClosed) {
				log.Println("Accept error:", err)
			}
			break
		}
		log.Printf("New connection from %s\n", addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleConn(conn)
		}()
	}
	wg.Wait()
}

// handleConn sends every received transfer straight back
func handleConn(c *lib.Connection) {
	defer c.Close()
	for {
		data, err := c.Recv(lib.MaxPayloadSize)
		if err != nil {
			if !errors.Is(err, lib.ErrConnClosed) {
				log.Println("Recv error:", err)
			}
			return
		}
		log.Printf("Echo server got %d bytes from %s", len(data), c.RemoteAddr())
		if err := c.Send(data); err != nil {
			log.Println("Send error:", err)
			return
		}
	}
}
