package main

import (
	"fmt"
	"os"

	qt "github.com/QUIC-Tracker/quic-interop"
	"github.com/QUIC-Tracker/quic-interop/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var v = config.New()

func init() {
	flags := RootCmd.PersistentFlags()
	flags.StringP("testcase", "t", "", "scenario to run, overrides TESTCASE")
	flags.String("scenarios", "", "YAML file extending the scenario table, overrides SCENARIOS")
	flags.String("log-level", "", "log level, overrides LOG_LEVEL")
	flags.String("log-format", "", "log format, text or json, overrides LOG_FORMAT")
	flags.String("logs", "", "directory receiving the log file, overrides LOGS")
	flags.String("qlogdir", "", "directory receiving qlog files, overrides QLOGDIR")
	flags.String("output", "", "file receiving the JSON trace of the run, overrides OUTPUT")
	for key, flag := range map[string]string{
		"testcase":   "testcase",
		"scenarios":  "scenarios",
		"log_level":  "log-level",
		"log_format": "log-format",
		"logs":       "logs",
		"qlogdir":    "qlogdir",
		"output":     "output",
	} {
		// nolint:errcheck
		v.BindPFlag(key, flags.Lookup(flag))
	}

	RootCmd.AddCommand(ClientCmd)
	RootCmd.AddCommand(ServerCmd)
	RootCmd.AddCommand(ScenariosCmd)
}

// RootCmd runs the role named by ROLE when no subcommand is given, which is how the interop runner starts endpoints.
var RootCmd = &cobra.Command{
	Use:   "interop",
	Short: "`interop` runs QUIC interoperability scenarios",
	Long:  "`interop` runs QUIC interoperability scenarios as a client fetching files or as a server serving them.",
	Run: func(cmd *cobra.Command, args []string) {
		switch qt.Role(v.GetString("role")) {
		case qt.ClientRole:
			ClientCmd.Run(cmd, args)
		case qt.ServerRole:
			ServerCmd.Run(cmd, args)
		default:
			fmt.Fprintln(os.Stderr, "configuration error: ROLE must be client or server")
			// nolint:errcheck
			cmd.Usage()
			os.Exit(qt.ExitConfigError)
		}
	},
}

func loadConfig(role qt.Role) *config.Config {
	c, err := config.Load(v)
	if err == nil {
		c.Role = role
		err = c.Validate(role)
	}
	if err != nil {
		exit(err)
	}
	return c
}

// exit reports a fatal error and terminates with the code matching its kind.
func exit(err error) {
	var ce *qt.ConfigError
	if errors.As(err, &ce) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(ce.ExitCode())
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(qt.ExitRuntimeError)
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(qt.ExitConfigError)
	}
}
