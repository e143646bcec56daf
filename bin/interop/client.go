package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	qt "github.com/QUIC-Tracker/quic-interop"
	"github.com/QUIC-Tracker/quic-interop/agents"
	"github.com/QUIC-Tracker/quic-interop/config"
	"github.com/QUIC-Tracker/quic-interop/scenarii"
	"github.com/QUIC-Tracker/quic-interop/storage"
	"github.com/QUIC-Tracker/quic-interop/transport"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

func init() {
	ClientCmd.Flags().String("requests", "", "space separated URLs to fetch, overrides REQUESTS")
	ClientCmd.Flags().String("downloads", "", "directory receiving the fetched files, overrides DOWNLOADS")
	// nolint:errcheck
	v.BindPFlag("requests", ClientCmd.Flags().Lookup("requests"))
	// nolint:errcheck
	v.BindPFlag("downloads", ClientCmd.Flags().Lookup("downloads"))
}

var ClientCmd = &cobra.Command{
	Use:   "client",
	Short: "fetches the requested files following the connection pattern of a scenario",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runClient(loadConfig(qt.ClientRole)))
	},
}

func resolveProfile(c *config.Config) *qt.ScenarioProfile {
	table, err := scenarii.LoadTableFile(c.Scenarios)
	if err != nil {
		exit(err)
	}
	profile, err := table.Resolve(c.TestCase)
	if err != nil {
		exit(err)
	}
	return profile
}

func runClient(c *config.Config) int {
	profile := resolveProfile(c)
	logger, logCloser, err := configureLogging(c, profile)
	if err != nil {
		exit(err)
	}
	defer logCloser.Close()

	keyLog, err := transport.OpenKeyLog(c.KeyLogFile)
	if err != nil {
		exit(err)
	}
	if keyLog != nil {
		defer keyLog.Close()
	}

	opts := transport.OptionsFor(profile)
	opts.QlogDir = c.QlogDir
	opts.Logger = logger
	client, err := transport.NewClient(opts, transport.ClientTLSConfig(c.Insecure, keyLog))
	if err != nil {
		exit(err)
	}
	defer client.Close()

	downloads, err := storage.NewDownloads(afero.NewOsFs(), c.Downloads)
	if err != nil {
		exit(qt.NewConfigError("DOWNLOADS", err))
	}

	events := qt.NewBroadcaster(1000)
	defer events.Close()
	trace := qt.NewTrace(profile.Name, qt.ClientRole)
	trace.AttachTo(events)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := &agents.Runner{Dialer: client, Downloads: downloads, Profile: profile, Events: events, Logger: logger}
	outcome := runner.Run(ctx, c.RequestURLs(logger), trace)
	outcome.Print(os.Stdout)

	if err := writeTrace(c.Output, trace); err != nil {
		logger.WithError(err).Error("Failed to write the trace")
	}
	return outcome.ExitCode()
}

func writeTrace(path string, trace *qt.Trace) error {
	if path == "" {
		return nil
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating trace file")
	}
	defer f.Close()
	return trace.WriteJSON(f)
}
