package main

import (
	"io"
	"os"
	"time"

	qt "github.com/QUIC-Tracker/quic-interop"
	"github.com/QUIC-Tracker/quic-interop/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// configureLogging builds the logger of the run. The scenario profile may override the configured level, or
// silence the logger entirely.
func configureLogging(c *config.Config, profile *qt.ScenarioProfile) (*logrus.Entry, io.Closer, error) {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, nil, qt.NewConfigError("LOG_LEVEL", err)
	}
	if l, ok := profile.LogLevel.Logrus(); ok {
		level = l
	}
	logger.SetLevel(level)

	switch c.LogFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true})
	default:
		return nil, nil, qt.NewConfigError("LOG_FORMAT", errors.Errorf("unsupported logging formatter: %q", c.LogFormat))
	}

	var closer io.Closer = nopCloser{}
	switch {
	case profile.LogLevel == qt.LogOff:
		logger.SetOutput(io.Discard)
	case c.LogFile(c.Role) != "":
		f, err := os.OpenFile(c.LogFile(c.Role), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, errors.Wrap(err, "opening log file")
		}
		logger.SetOutput(f)
		closer = f
	default:
		logger.SetOutput(os.Stderr)
	}

	entry := logrus.NewEntry(logger).WithFields(logrus.Fields{"role": c.Role, "testcase": profile.Name})
	entry.Debugf("Configuration: %s", c.EnvLine())
	return entry, closer, nil
}
