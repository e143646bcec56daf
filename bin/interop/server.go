package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	qt "github.com/QUIC-Tracker/quic-interop"
	"github.com/QUIC-Tracker/quic-interop/agents"
	"github.com/QUIC-Tracker/quic-interop/config"
	"github.com/QUIC-Tracker/quic-interop/storage"
	"github.com/QUIC-Tracker/quic-interop/transport"
	"github.com/spf13/cobra"
)

func init() {
	flags := ServerCmd.Flags()
	flags.String("www", "", "directory served, overrides WWW")
	flags.String("certs", "", "directory holding cert.pem and priv.key, overrides CERTS")
	flags.String("ip", "", "address to bind, overrides IP")
	flags.Int("port", 0, "UDP port to bind, overrides PORT")
	for _, key := range []string{"www", "certs", "ip", "port"} {
		// nolint:errcheck
		v.BindPFlag(key, flags.Lookup(key))
	}
}

var ServerCmd = &cobra.Command{
	Use:   "server",
	Short: "serves the files of a directory until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runServer(loadConfig(qt.ServerRole)))
	},
}

func runServer(c *config.Config) int {
	profile := resolveProfile(c)
	logger, logCloser, err := configureLogging(c, profile)
	if err != nil {
		exit(err)
	}
	defer logCloser.Close()

	root, err := storage.OpenRoot(c.WWW)
	if err != nil {
		exit(qt.NewConfigError("WWW", err))
	}
	keyLog, err := transport.OpenKeyLog(c.KeyLogFile)
	if err != nil {
		exit(err)
	}
	if keyLog != nil {
		defer keyLog.Close()
	}
	tlsConf, err := transport.ServerTLSConfig(c.Certs, keyLog)
	if err != nil {
		exit(qt.NewConfigError("CERTS", err))
	}

	opts := transport.OptionsFor(profile)
	opts.QlogDir = c.QlogDir
	opts.Logger = logger
	listener, err := transport.Listen(c.ListenAddress(), opts, tlsConf)
	if err != nil {
		logger.WithError(err).Error("Cannot bind the listening socket")
		return qt.ExitRuntimeError
	}
	defer listener.Shutdown()

	events := qt.NewBroadcaster(1000)
	defer events.Close()
	trace := qt.NewTrace(profile.Name, qt.ServerRole)
	trace.AttachTo(events)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &agents.Server{Listener: listener, Root: root, Profile: profile, Events: events, Trace: trace, Logger: logger}
	serveErr := server.Serve(ctx)
	trace.Complete()

	stats := trace.Server
	fmt.Fprintf(os.Stdout, "%d connections, %d served, %d not found, %d malformed, %d unsupported, %d failed\n",
		stats.Connections, stats.Served, stats.NotFound, stats.Malformed, stats.Unsupported, stats.Failed)
	if err := writeTrace(c.Output, trace); err != nil {
		logger.WithError(err).Error("Failed to write the trace")
	}
	if serveErr != nil {
		logger.WithError(serveErr).Error("Listener failed")
		return qt.ExitRuntimeError
	}
	return qt.ExitOK
}
