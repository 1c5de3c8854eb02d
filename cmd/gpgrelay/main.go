// gpgrelay - FAF game relay
//
// gpgrelay sits between a locally launched game and the lobby server. It
// classifies the local network, accepts the game's GPG connection on a
// loopback port, relays lobby instructions with peer addresses rewritten
// for the detected connectivity, and tunnels UDP through TURN when direct
// connections are impossible.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gpgrelay/internal/api"
	"github.com/energizer-project/gpgrelay/internal/cli"
	"github.com/energizer-project/gpgrelay/internal/config"
	"github.com/energizer-project/gpgrelay/internal/connectivity"
	"github.com/energizer-project/gpgrelay/internal/db"
	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/lobby"
	"github.com/energizer-project/gpgrelay/internal/portmap"
	"github.com/energizer-project/gpgrelay/internal/relay"
	"github.com/energizer-project/gpgrelay/internal/scheduler"
	"github.com/energizer-project/gpgrelay/internal/telemetry"
	"github.com/energizer-project/gpgrelay/internal/tunnel"
	"github.com/energizer-project/gpgrelay/internal/turn"
	"github.com/energizer-project/gpgrelay/internal/util"
)

const (
	AppName    = "gpgrelay"
	AppVersion = "1.0.0"
)

func main() {
	fmt.Printf("%s v%s - FAF game relay\n\n", AppName, AppVersion)

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Msg("starting gpgrelay")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetLogging()
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxBackups: logging.MaxBackups,
		MaxSizeMB:  logging.MaxSizeMB,
		Console:    logging.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		if !cfg.IsFirstRun() {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	identity := cfg.GetIdentity()
	relayCfg := cfg.GetRelay()
	lobbyCfg := cfg.GetLobby()
	turnCfg := cfg.GetTurn()

	// Lobby link
	var link lobby.Link
	var tcpLink *lobby.TCPLink
	if lobbyCfg.Offline {
		log.Warn().Msg("lobby link offline, lobby instructions will not be exchanged")
		link = lobby.NewMemoryLink()
	} else {
		tcpLink = lobby.NewTCPLink(lobby.TCPLinkConfig{
			Addr:              lobbyCfg.Address,
			Username:          identity.Username,
			Session:           identity.Session,
			KeepAliveInterval: lobbyCfg.KeepAlive(),
			ReconnectDelay:    lobbyCfg.ReconnectDelay(),
			ConnectTimeout:    lobbyCfg.ConnectTimeout(),
		}, eventBus)
		link = tcpLink
	}

	// TURN client and the shim tunnel in front of it. The interfaces stay
	// nil without TURN so no typed nil reaches the relay.
	var (
		turnClient *turn.Client
		allocator  connectivity.Allocator
		relayDeps  = relay.Deps{Link: link}
	)
	if turnCfg.Enabled {
		turnClient, err = turn.NewClient(turn.ClientConfig{
			Server:         turnCfg.Server,
			Username:       turnCfg.Username,
			Password:       turnCfg.Password,
			Lifetime:       turnCfg.Lifetime(),
			RequestTimeout: turnCfg.RequestTimeout(),
			MaxAttempts:    turnCfg.MaxAttempts,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to create TURN client, relaying disabled")
		}
	}
	var shims *tunnel.Tunnel
	if turnClient != nil {
		shims = tunnel.New(tunnel.Config{
			GamePort:         relayCfg.GamePort,
			MaxPacketsPerSec: relayCfg.ShimPacketsPerSec,
		}, turnClient)
		allocator = turnClient
		relayDeps.Relay = turnClient
		relayDeps.Shims = shims
	}

	// Connectivity probe
	public, stun, turnTimeout, budget, confirm := cfg.GetProbe().Timeouts()
	probe := connectivity.NewProbe(connectivity.Config{
		GamePort:       relayCfg.GamePort,
		PlayerID:       identity.UserID,
		EchoServer:     cfg.GetProbe().EchoServer,
		PublicTimeout:  public,
		StunTimeout:    stun,
		TurnTimeout:    turnTimeout,
		Budget:         budget,
		ConfirmTimeout: confirm,
	}, link, allocator, eventBus)

	if pm := cfg.GetPortMap(); pm.Enabled {
		probe.SetPortMapper(portmap.NewMapper(portmap.Config{
			Gateway:  pm.Gateway,
			Lifetime: pm.Lifetime(),
			Timeout:  pm.Timeout(),
		}, eventBus))
	}
	relayDeps.Probe = probe

	relayServer := relay.NewServer(relay.Config{
		ListenAddr:  relayCfg.ListenAddr,
		GamePort:    relayCfg.GamePort,
		LobbyMode:   relayCfg.LobbyMode,
		Username:    identity.Username,
		UserID:      identity.UserID,
		QueueSize:   relayCfg.QueueSize,
		ReadTimeout: relayCfg.ReadTimeout(),
	}, relayDeps, eventBus)

	// Session history
	var history *db.HistoryDatabase
	if st := cfg.GetStorage(); st.Enabled {
		history, err = db.NewHistoryDatabase(st.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open history database, history disabled")
			history = nil
		} else {
			db.NewRecorder(history).Attach(eventBus)
		}
	}

	apiDeps := api.Deps{Config: cfg, Relay: relayServer, Probe: probe}
	cliDeps := cli.Deps{Relay: relayServer, Probe: probe}
	schedDeps := scheduler.Deps{Probe: probe, Relay: relayServer}
	if history != nil {
		apiDeps.History = history
		cliDeps.History = history
		schedDeps.History = history
	}

	var mqttHandler *telemetry.MQTTHandler
	if mc := cfg.GetMQTT(); mc.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(mc, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	var apiServer *api.Server
	if ac := cfg.GetAPI(); ac.Enabled {
		apiServer = api.NewServer(ac, apiDeps, eventBus)
	}

	sched := scheduler.NewScheduler(cfg.GetTimers(), cfg.GetStorage().Retention(), schedDeps, eventBus)
	cliHandler := cli.NewCLI(cliDeps, eventBus, os.Stdin, os.Stdout)

	// Bind the relay port before anything can announce it
	if err := relayServer.Listen(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to bind relay port")
	}
	if port, err := relayServer.Port(ctx); err == nil {
		log.Info().Int("port", port).Msg("game should connect to the relay on this port")
	}

	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Classify connectivity once the lobby answers. The first session
	// reuses this result; each later session probes again.
	if tcpLink != nil {
		lobbyUp := make(chan struct{})
		var once sync.Once
		eventBus.Subscribe(events.EventLobbyConnected, "initial-probe", func(context.Context, events.Event) error {
			once.Do(func() { close(lobbyUp) })
			return nil
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer eventBus.Unsubscribe(events.EventLobbyConnected, "initial-probe")
			select {
			case <-ctx.Done():
				return
			case <-lobbyUp:
			}
			if _, err := probe.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("initial connectivity probe failed")
			}
		}()
	}

	if tcpLink != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("addr", lobbyCfg.Address).Msg("starting lobby link")
			if err := tcpLink.ManageConnection(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("lobby link stopped")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relayServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("relay server: %w", err)
		}
	}()

	if apiServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("status API failed (non-fatal)")
			}
		}()
	}

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	// The console blocks on stdin, so it is not waited for
	go cliHandler.Start(ctx)

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	relayServer.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	if err := probe.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to remove port mapping")
	}
	if shims != nil {
		shims.CloseAll()
	}
	if turnClient != nil {
		if err := turnClient.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close TURN client")
		}
	}

	// Stop the event bus before closing the store its handlers write to
	eventBus.Stop()
	if history != nil {
		history.Close()
	}

	log.Info().Msg("gpgrelay stopped")
}
