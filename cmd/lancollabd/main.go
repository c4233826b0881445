// lancollabd is the LAN collaboration server: a TCP control plane plus the
// audio/video/screen/latency media relays, a file sharing endpoint, and an
// admin HTTP dashboard, all sharing one in-memory session manager.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/lancollab/internal/admin"
	"github.com/codefionn/lancollab/internal/config"
	"github.com/codefionn/lancollab/internal/control"
	"github.com/codefionn/lancollab/internal/logger"
	"github.com/codefionn/lancollab/internal/pidfile"
	"github.com/codefionn/lancollab/internal/relay"
	"github.com/codefionn/lancollab/internal/session"
	"github.com/codefionn/lancollab/internal/transfer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "server_config.json", "Path to the JSON configuration file")
	host := flag.String("host", "", "Override the bind host from the configuration")
	logLevel := flag.String("log-level", "", "Override the log level (debug, info, warn, error)")
	pidPath := flag.String("pidfile", "", "Write the server PID to this file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *host != "" {
		cfg.Network.Host = *host
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.Log.Level), cfg.Log.Path); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Global().Close()

	if *pidPath != "" {
		pid := pidfile.New(*pidPath)
		if err := pid.Write(); err != nil {
			return err
		}
		defer pid.Remove()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatTimeout := time.Duration(cfg.Session.HeartbeatTimeoutSeconds) * time.Second
	sessions := session.NewManager(heartbeatTimeout)

	fileServer := transfer.NewServer(
		cfg.Network.Host, cfg.Network.FilePort,
		cfg.Storage.Dir, cfg.Storage.MaxUploadSize, sessions)
	audioMixer := relay.NewAudioMixer(cfg.Network.Host, cfg.Network.AudioPort)
	videoRelay := relay.NewVideoRelay(cfg.Network.Host, cfg.Network.VideoPort)
	screenRelay := relay.NewScreenRelay(cfg.Network.Host, cfg.Network.ScreenPort, sessions)
	latencyEcho := relay.NewLatencyEcho(cfg.Network.Host, cfg.Network.LatencyPort, cfg.Session.PreSharedKey)

	mediaConfig := map[string]interface{}{
		"video_port":   cfg.Network.VideoPort,
		"audio_port":   cfg.Network.AudioPort,
		"screen_port":  cfg.Network.ScreenPort,
		"file_port":    cfg.Network.FilePort,
		"latency_port": cfg.Network.LatencyPort,
	}
	controlServer := control.NewServer(
		cfg.Network.Host, cfg.Network.ControlPort,
		sessions, fileServer, mediaConfig, cfg.Session.PreSharedKey)
	controlServer.AddMediaRegistry(audioMixer)
	controlServer.AddMediaRegistry(videoRelay)

	// The shutdown action reports true only for the call that initiated it
	var shutdownOnce sync.Once
	requestShutdown := func() bool {
		initiated := false
		shutdownOnce.Do(func() {
			initiated = true
			cancel()
		})
		return initiated
	}

	adminServer := admin.NewServer(
		cfg.Network.Host, cfg.Network.AdminPort,
		sessions, controlServer, fileServer, requestShutdown)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return controlServer.Start(gctx) })
	g.Go(func() error { return screenRelay.Start() })
	g.Go(func() error { return fileServer.Start() })
	g.Go(func() error { return videoRelay.Start() })
	g.Go(func() error { return audioMixer.Start() })
	g.Go(func() error { return latencyEcho.Start() })
	g.Go(func() error { return adminServer.Start() })

	g.Go(func() error {
		sessions.HeartbeatWatcher(gctx, controlServer.CleanupRelays)
		return nil
	})

	// Hot reload: log level and pre-shared key apply without a restart
	if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
		logger.Global().SetLevel(logger.ParseLevel(updated.Log.Level))
		controlServer.SetPreSharedKey(updated.Session.PreSharedKey)
		latencyEcho.SetPreSharedKey(updated.Session.PreSharedKey)
	}); err != nil {
		logger.Warn("Config watcher unavailable: %v", err)
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		controlServer.Stop()
		sessions.DisconnectAll("Server is shutting down")
		screenRelay.Stop()
		videoRelay.Stop()
		audioMixer.Stop()
		latencyEcho.Stop()
		fileServer.Stop()
		if err := adminServer.Stop(); err != nil {
			logger.Warn("Error stopping admin dashboard: %v", err)
		}
		return nil
	})

	return g.Wait()
}
