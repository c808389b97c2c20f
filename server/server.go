package main

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/rdt/config"
	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/Clouded-Sabre/rdt/logging"
	"github.com/Clouded-Sabre/rdt/netem"
	"github.com/rs/zerolog/log"
)

var (
	svcAddrStr string
	configPath string
	relayAddr  string
)

func init() {
	flag.StringVar(&svcAddrStr, "svcaddr", "127.0.0.1:1234", "RDT service address(IP:Port)")
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file")
	flag.StringVar(&relayAddr, "relay", "", "netem relay address, overrides the config file")
	flag.Parse()
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.ReadConfig(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

func main() {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Println("Configuration file error:", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if relayAddr == "" {
		relayAddr = cfg.Relay
	}
	if relayAddr != "" {
		cfg.Core.ListenPacket = netem.ListenPacketFunc(relayAddr)
	}

	rdtCoreObj, err := lib.NewRdtCore(cfg.Core)
	if err != nil {
		log.Fatal().Err(err).Msg("Error creating RDT core")
	}
	defer rdtCoreObj.Close()

	srv, err := rdtCoreObj.Listen(svcAddrStr, cfg.Core.ConnectionConfig)
	if err != nil {
		log.Fatal().Err(err).Str("svcaddr", svcAddrStr).Msg("RDT server error listening")
	}
	fmt.Printf("RDT Server listening on %s\n", srv.Addr())

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		fmt.Println("\nReceived SIGINT (Ctrl+C). Shutting down...")
		srv.Close()
	}()

	for {
		conn, addr, err := srv.Accept()
		if err != nil {
			if !errors.Is(err, lib.ErrServiceClosed) {
				log.Error().Err(err).Msg("Error accepting connection")
			}
			return
		}
		fmt.Println("New RDT client connected:", addr)

		if quit := serve(conn); quit {
			fmt.Println("Server Closed")
			return
		}
		fmt.Println("Server Connection Lost")
	}
}

// serve prints every message of conn and reports whether the client asked the server to quit
func serve(conn *lib.Connection) bool {
	defer conn.Close()

	for {
		data, err := conn.Recv(4096)
		if err != nil {
			log.Error().Err(err).Msg("Error receiving data")
			return false
		}
		if len(data) == 0 {
			return false
		}
		fmt.Println("received payload: " + string(data))
		switch string(data) {
		case "exit":
			log.Info().Interface("stats", conn.Stats()).Msg("client exited")
			return false
		case "quit":
			return true
		}
	}
}
