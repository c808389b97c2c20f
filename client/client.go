package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/rdt/config"
	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/Clouded-Sabre/rdt/logging"
	"github.com/Clouded-Sabre/rdt/netem"
	"github.com/rs/zerolog/log"
)

var (
	serverAddrStr string
	configPath    string
	relayAddr     string
	maxRedials    int
)

func init() {
	flag.StringVar(&serverAddrStr, "serveraddr", "127.0.0.1:1234", "RDT service address(IP:Port)")
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file")
	flag.StringVar(&relayAddr, "relay", "", "netem relay address, overrides the config file")
	flag.IntVar(&maxRedials, "redial", 5, "dial attempts after the first one fails, -1 for unbounded")
	flag.Parse()
}

func main() {
	cfg, err := config.ReadConfig(configPath)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = config.DefaultConfig(), nil
	}
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	connConfig := *cfg.Core.ConnectionConfig
	if connConfig.MaxConnSignalRetries == 0 {
		// bound each attempt so DialWithRetry gets a chance to back off
		connConfig.MaxConnSignalRetries = 50
	}
	redial := lib.DefaultRedialConfig()
	redial.MaxRetries = maxRedials
	redial.OnRedial = func(attempt int, err error) {
		fmt.Printf("Dial attempt %d failed: %v\n", attempt, err)
	}

	conn, err := rdtCoreObj.DialWithRetry(ctx, serverAddrStr, &connConfig, redial)
	if err != nil {
		fmt.Println("Error connecting:", err)
		return
	}
	fmt.Println("RDT connection established!")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Println("input data:")
		if !scanner.Scan() {
			break
		}
		data := scanner.Text()

		start := time.Now()
		if err := conn.SendContext(ctx, []byte(data)); err != nil {
			fmt.Println("Error sending data:", err)
			break
		}
		log.Debug().Int("len", len(data)).Dur("elapsed", time.Since(start)).Msg("message delivered")

		if data == "exit" || data == "quit" {
			break
		}
	}

	log.Info().Interface("stats", conn.Stats()).Msg("connection stats")
	conn.Close()
	fmt.Println("Client Closed")
}
