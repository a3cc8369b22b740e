// ABOUTME: Entry point for the Sendspin streaming server
// ABOUTME: Parses CLI flags and runs the server until interrupted
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sendspin/sendspin-go/internal/version"
	"github.com/sendspin/sendspin-go/pkg/sendspin"
)

const (
	exitOK               = 0
	exitBadConfig        = 64
	exitTransportUnavail = 69
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var (
	port      = flag.Int("port", 8927, "WebSocket server port")
	name      = flag.String("name", "", "Server friendly name (default: hostname-sendspin-server)")
	logFile   = flag.String("log-file", "sendspin-server.log", "Log file path")
	logLevel  = flag.String("log-level", envOrDefault("SENDSPIN_LOG", "info"), "Log level (debug, info)")
	noMDNS    = flag.Bool("no-mdns", false, "Disable mDNS advertisement")
	audioFile = flag.String("audio", "", "Audio file to stream (mp3, flac). If unset, plays a test tone")
	showVer   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVer {
		fmt.Printf("%s server %s (%s)\n", version.Product, version.Version, version.Manufacturer)
		return exitOK
	}

	f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		log.Printf("error opening log file: %v", err)
		return exitBadConfig
	}
	defer f.Close()

	log.SetOutput(io.MultiWriter(os.Stdout, f))

	debug := *logLevel == "debug"

	serverName := *name
	if serverName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		serverName = fmt.Sprintf("%s-sendspin-server", hostname)
	}

	var source sendspin.AudioSource
	if *audioFile != "" {
		source, err = sendspin.NewFileSource(*audioFile)
		if err != nil {
			log.Printf("bad audio source: %v", err)
			return exitBadConfig
		}
	} else {
		source = sendspin.NewTestTone(sendspin.DefaultSampleRate, sendspin.DefaultChannels)
	}

	srv, err := sendspin.NewServer(sendspin.ServerConfig{
		Port:       *port,
		Name:       serverName,
		Source:     source,
		EnableMDNS: !*noMDNS,
		Debug:      debug,
	})
	if err != nil {
		log.Printf("bad config: %v", err)
		return exitBadConfig
	}

	log.Printf("starting %s server %s: %s on port %d", version.Product, version.Version, serverName, *port)
	if debug {
		log.Printf("debug logging enabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received %v, shutting down", sig)
		srv.Stop()
	}()

	if err := srv.Start(); err != nil {
		log.Printf("server error: %v", err)
		return exitTransportUnavail
	}

	log.Printf("server stopped")
	return exitOK
}
