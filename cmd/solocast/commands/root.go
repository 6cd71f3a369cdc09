package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/solocast/solocast/internal/config"
	"github.com/solocast/solocast/internal/rtc"
	"github.com/solocast/solocast/internal/server"
	"github.com/solocast/solocast/internal/sfu"
)

// RootCmd is the root command for the relay server.
var RootCmd = &cobra.Command{
	Use:   "solocast",
	Short: "Single-broadcaster WebRTC relay server",
	RunE:  runServer,
}

// runServer wires the relay together and blocks until SIGINT or SIGTERM.
func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := cfg.Logger()

	engine, err := rtc.NewEngine(rtc.Options{
		ICEServers:  cfg.ICEServers(),
		MinUDPPort:  cfg.MinUDPPort,
		MaxUDPPort:  cfg.MaxUDPPort,
		PLIInterval: cfg.PLIInterval,
	}, logger.WithField("prefix", "rtc"))
	if err != nil {
		return err
	}

	registry := sfu.NewRegistry(engine, cfg.DisconnectGrace, logger.WithField("prefix", "sfu"))
	srv := server.New(cfg, registry, logger.WithField("prefix", "server"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Infof("received %s, shutting down", sig)
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Warnf("shutdown: %v", err)
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}
