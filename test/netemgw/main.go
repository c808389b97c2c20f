package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/rdt/logging"
	"github.com/Clouded-Sabre/rdt/netem"
	"github.com/rs/zerolog/log"
)

var (
	gatewayAddr string
	profilePath string
	lossRate    float64
	pcapPath    string
	logLevel    string
	trace       bool
)

func init() {
	flag.StringVar(&gatewayAddr, "addr", "127.0.0.1:8901", "Gateway address(IP:Port)")
	flag.StringVar(&profilePath, "profile", "", "netem profile file, defaults apply when empty")
	flag.Float64Var(&lossRate, "lossrate", -1, "Packet loss rate (0.0-1.0), overrides the profile")
	flag.StringVar(&pcapPath, "pcap", "", "write relayed datagrams to this pcap file")
	flag.StringVar(&logLevel, "loglevel", "info", "debug, info, warn or error")
	flag.BoolVar(&trace, "trace", false, "log every relayed segment at debug level")
	flag.Parse()
}

func main() {
	logging.Setup(logLevel, "text")

	profile := netem.DefaultProfile()
	if profilePath != "" {
		var err error
		profile, err = netem.LoadProfile(profilePath)
		if err != nil {
			log.Fatal().Err(err).Msg("Profile error")
		}
	}
	if lossRate >= 0 {
		profile.LossRate = lossRate
	}
	profile.Trace = profile.Trace || trace

	profileJSON, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		log.Fatal().Err(err).Msg("Error marshaling profile to JSON")
	}
	fmt.Println("Netem Profile:")
	fmt.Println(string(profileJSON))

	relay, err := netem.NewRelay(gatewayAddr, profile)
	if err != nil {
		log.Fatal().Err(err).Msg("Error starting relay")
	}

	if pcapPath != "" {
		file, err := os.Create(pcapPath)
		if err != nil {
			log.Fatal().Err(err).Str("file", pcapPath).Msg("Error creating pcap file")
		}
		defer file.Close()
		capture, err := netem.NewCapture(file)
		if err != nil {
			log.Fatal().Err(err).Msg("Error writing pcap header")
		}
		relay.SetCapture(capture)
	}
	fmt.Printf("Netem gateway started at %s (loss rate: %.1f%%)\n", relay.Addr(), profile.LossRate*100)

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	<-signalChan
	fmt.Println("\nReceived SIGINT (Ctrl+C). Shutting down...")

	relay.Close()
	statsJSON, _ := json.MarshalIndent(relay.Stats(), "", "  ")
	fmt.Println(string(statsJSON))
}
