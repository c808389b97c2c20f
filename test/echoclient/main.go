package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/rdt/config"
	"github.com/Clouded-Sabre/rdt/lib"
	"github.com/Clouded-Sabre/rdt/logging"
	"github.com/Clouded-Sabre/rdt/netem"
)

func main() {
	serverAddr := flag.String("serveraddr", "127.0.0.1:8901", "Echo server address")
	configPath := flag.String("config", "config.yaml", "configuration file")
	relayAddr := flag.String("relay", "", "netem relay address, overrides the config file")
	size := flag.Int("size", 100000, "bytes per transfer")
	count := flag.Int("count", 10, "number of transfers, 0 runs until interrupted")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "Interval between transfers (e.g., 500ms, 1s)")
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	connConfig := *cfg.Core.ConnectionConfig
	connConfig.OnProgress = func(acked, total int) {
		if acked == total || acked%50 == 0 {
			log.Printf("[PROGRESS] %d/%d segments acknowledged", acked, total)
		}
	}
	redial := lib.DefaultRedialConfig()
	redial.OnRedial = func(attempt int, err error) {
		log.Printf("[REDIAL] attempt %d failed: %v\n", attempt, err)
	}
	if connConfig.MaxConnSignalRetries == 0 {
		connConfig.MaxConnSignalRetries = 50
	}

	conn, err := rdtCoreObj.DialWithRetry(ctx, *serverAddr, &connConfig, redial)
	if err != nil {
		fmt.Println("Error connecting:", err)
		return
	}
	defer conn.Close()
	fmt.Println("Echo client connected to server!")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	payload := make([]byte, *size)
	successCount, failCount := 0, 0
	var totalElapsed time.Duration

	for i := 0; *count == 0 || i < *count; i++ {
		rng.Read(payload)

		start := time.Now()
		if err := conn.SendContext(ctx, payload); err != nil {
			log.Println("Send error:", err)
			break
		}
		echo, err := conn.RecvContext(ctx, len(payload))
		if err != nil {
			log.Println("Recv error:", err)
			break
		}
		elapsed := time.Since(start)
		totalElapsed += elapsed

		if bytes.Equal(echo, payload) {
			successCount++
			log.Printf("[%d] %d bytes echoed intact in %v", i+1, len(echo), elapsed)
		} else {
			failCount++
			log.Printf("[%d] echo mismatch: sent %d bytes, got %d", i+1, len(payload), len(echo))
		}

		select {
		case <-ctx.Done():
		case <-time.After(*packetInterval):
			continue
		}
		break
	}

	stats := conn.Stats()
	fmt.Printf("\nTransfers: %d ok, %d mismatched\n", successCount, failCount)
	if successCount+failCount > 0 && totalElapsed > 0 {
		bytesMoved := float64(2 * *size * (successCount + failCount))
		fmt.Printf("Goodput: %.1f KB/s\n", bytesMoved/totalElapsed.Seconds()/1024)
	}
	fmt.Printf("Segments sent: %d, retransmissions: %d, timeouts: %d, checksum failures: %d\n",
		stats.SegmentsSent, stats.Retransmissions, stats.Timeouts, stats.ChecksumFailures)
}
