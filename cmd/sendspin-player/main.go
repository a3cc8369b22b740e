// ABOUTME: Entry point for the Sendspin player client
// ABOUTME: Parses CLI flags, connects to a server, and plays the stream
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sendspin/sendspin-go/internal/ui"
	"github.com/sendspin/sendspin-go/internal/version"
	"github.com/sendspin/sendspin-go/pkg/sendspin"
	"github.com/sendspin/sendspin-go/pkg/sendspin/session"
)

const (
	exitOK               = 0
	exitBadConfig        = 64
	exitTransportUnavail = 69
	exitProtocolError    = 70
	exitCodecError       = 75
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var (
	serverAddr = flag.String("server", envOrDefault("SENDSPIN_ENDPOINT", ""), "Server address (host:port)")
	clientName = flag.String("name", "", "Player name (default: hostname)")
	bufferMs   = flag.Int("buffer-ms", 0, "Scheduler lead window in milliseconds (0 uses the built-in default)")
	logLevel   = flag.String("log-level", envOrDefault("SENDSPIN_LOG", "info"), "Log level (debug, info)")
	useTUI     = flag.Bool("tui", false, "Show a status TUI instead of logging to stdout")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	if *showVer {
		log.Printf("%s player %s (%s)", version.Product, version.Version, version.Manufacturer)
		return exitOK
	}

	if *logLevel == "debug" {
		log.SetFlags(log.Ltime | log.Lmicroseconds)
	}

	addr := *serverAddr
	if addr == "" {
		log.Printf("bad config: -server or SENDSPIN_ENDPOINT is required")
		return exitBadConfig
	}

	name := *clientName
	if name == "" {
		if hostname, err := os.Hostname(); err == nil {
			name = hostname
		} else {
			name = "sendspin-player"
		}
	}

	player := sendspin.NewPlayer(sendspin.PlayerConfig{
		ServerAddr: addr,
		Name:       name,
		BufferMs:   *bufferMs,
	})

	if err := player.Connect(); err != nil {
		log.Printf("connect failed: %v", err)
		return exitTransportUnavail
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("shutting down")
		player.Stop()
	}()

	var volumeCtrl *ui.VolumeControl
	if *useTUI {
		volumeCtrl = ui.NewVolumeControl()
		go runTUI(player, volumeCtrl)
	} else {
		go logStatus(player)
	}
	go applyVolumeCommands(player, volumeCtrl)

	player.Run()

	if err := player.Err(); err != nil {
		log.Printf("session ended: %v", err)
		switch err.(type) {
		case *session.CodecError:
			return exitCodecError
		case *session.ProtocolError, *session.HandshakeError, *session.Timeout:
			return exitProtocolError
		case *session.TransportError:
			return exitTransportUnavail
		}
		return exitProtocolError
	}

	return exitOK
}

// logStatus prints a one-line status snapshot whenever one is published, for
// non-TUI runs.
func logStatus(player *sendspin.Player) {
	for status := range player.Status {
		log.Printf("connected=%v codec=%s buffer=%d rx=%d dropped=%d rtt=%dus",
			status.Connected, status.Codec, status.BufferDepth, status.Received, status.Dropped, status.RTTUs)
	}
}

// runTUI pumps status snapshots into a bubbletea program.
func runTUI(player *sendspin.Player, volumeCtrl *ui.VolumeControl) {
	program, err := ui.Run(volumeCtrl)
	if err != nil {
		log.Printf("failed to start tui: %v", err)
		return
	}

	go func() {
		for status := range player.Status {
			quality := ui.QualityLost
			if status.SyncValid {
				quality = ui.QualityGood
				if status.RTTUs > 20_000 {
					quality = ui.QualityDegraded
				}
			}
			program.Send(ui.StatusMsg{
				Connected:   &status.Connected,
				SyncOffset:  0,
				SyncRTT:     status.RTTUs,
				SyncQuality: quality,
				Codec:       status.Codec,
				SampleRate:  status.SampleRate,
				Channels:    status.Channels,
				BitDepth:    status.BitDepth,
				Title:       status.Title,
				Artist:      status.Artist,
				Album:       status.Album,
				Volume:      int(status.Volume * 100),
				Received:    status.Received,
				Dropped:     status.Dropped,
				BufferDepth: status.BufferDepth,
			})
		}
	}()

	if _, err := program.Run(); err != nil {
		log.Printf("tui error: %v", err)
	}
	player.Stop()
}

// applyVolumeCommands forwards TUI-originated volume/quit intents to the
// player. With no TUI, volumeCtrl is nil and this returns immediately.
func applyVolumeCommands(player *sendspin.Player, volumeCtrl *ui.VolumeControl) {
	if volumeCtrl == nil {
		return
	}
	for {
		select {
		case change := <-volumeCtrl.Changes:
			player.SetVolume(float32(change.Volume) / 100)
			player.SetMuted(change.Muted)
		case <-volumeCtrl.Quit:
			player.Stop()
			return
		}
	}
}

