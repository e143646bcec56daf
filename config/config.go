// Package config reads the process-boundary settings of the harness from the environment, the way the interop
// runner provides them, and from command line flags bound over them.
package config

import (
	"net"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	qt "github.com/QUIC-Tracker/quic-interop"
	"github.com/alessio/shellescape"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Environment variables, keyed by setting name
var envNames = map[string]string{
	"role":          "ROLE",
	"testcase":      "TESTCASE",
	"www":           "WWW",
	"downloads":     "DOWNLOADS",
	"requests":      "REQUESTS",
	"certs":         "CERTS",
	"ip":            "IP",
	"port":          "PORT",
	"logs":          "LOGS",
	"log_level":     "LOG_LEVEL",
	"log_format":    "LOG_FORMAT",
	"qlogdir":       "QLOGDIR",
	"sslkeylogfile": "SSLKEYLOGFILE",
	"scenarios":     "SCENARIOS",
	"output":        "OUTPUT",
	"insecure":      "INSECURE",
}

type Config struct {
	Role       qt.Role `mapstructure:"role"`
	TestCase   string  `mapstructure:"testcase"`
	WWW        string  `mapstructure:"www"`
	Downloads  string  `mapstructure:"downloads"`
	Requests   string  `mapstructure:"requests"`
	Certs      string  `mapstructure:"certs"`
	IP         string  `mapstructure:"ip"`
	Port       int     `mapstructure:"port"`
	Logs       string  `mapstructure:"logs"`
	LogLevel   string  `mapstructure:"log_level"`
	LogFormat  string  `mapstructure:"log_format"`
	QlogDir    string  `mapstructure:"qlogdir"`
	KeyLogFile string  `mapstructure:"sslkeylogfile"`
	Scenarios  string  `mapstructure:"scenarios"`
	Output     string  `mapstructure:"output"`
	Insecure   bool    `mapstructure:"insecure"`
}

// New returns a viper instance reading every setting from its environment variable.
func New() *viper.Viper {
	v := viper.New()
	for key, env := range envNames {
		v.BindEnv(key, env)
	}
	v.SetDefault("ip", qt.DefaultBindIP)
	v.SetDefault("port", qt.DefaultPort)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("insecure", true)
	return v
}

func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, qt.NewConfigError("", errors.Wrap(err, "decoding configuration"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		return nil, qt.NewConfigError("PORT", errors.Errorf("invalid port %d", c.Port))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return nil, qt.NewConfigError("LOG_LEVEL", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return nil, qt.NewConfigError("LOG_FORMAT", errors.Errorf("unsupported log format %q", c.LogFormat))
	}
	return &c, nil
}

// Validate checks that the settings the role cannot run without are present.
func (c *Config) Validate(role qt.Role) error {
	var required []string
	switch role {
	case qt.ServerRole:
		required = []string{"WWW", "CERTS"}
	case qt.ClientRole:
		required = []string{"DOWNLOADS"}
	default:
		return qt.NewConfigError("ROLE", errors.Errorf("unknown role %q", role))
	}
	values := c.env()
	for _, key := range required {
		if values[key] == "" {
			return qt.NewConfigError(key, qt.ErrMissingSetting)
		}
	}
	return nil
}

func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// LogFile is the file the role logs to, or an empty string when logs go to stderr.
func (c *Config) LogFile(role qt.Role) string {
	if c.Logs == "" {
		return ""
	}
	return filepath.Join(c.Logs, string(role)+".log")
}

// RequestURLs parses the whitespace separated request list. Entries that are not absolute URLs are skipped.
func (c *Config) RequestURLs(logger *logrus.Entry) []*url.URL {
	var resources []*url.URL
	for _, raw := range strings.Fields(c.Requests) {
		u, err := url.Parse(raw)
		if err == nil && u.Host == "" {
			err = errors.New("missing host")
		}
		if err != nil {
			logger.WithError(err).Warnf("Skipping invalid request %s", raw)
			continue
		}
		resources = append(resources, u)
	}
	return resources
}

func (c *Config) env() map[string]string {
	return map[string]string{
		"ROLE":          string(c.Role),
		"TESTCASE":      c.TestCase,
		"WWW":           c.WWW,
		"DOWNLOADS":     c.Downloads,
		"REQUESTS":      c.Requests,
		"CERTS":         c.Certs,
		"IP":            c.IP,
		"PORT":          strconv.Itoa(c.Port),
		"LOGS":          c.Logs,
		"LOG_LEVEL":     c.LogLevel,
		"LOG_FORMAT":    c.LogFormat,
		"QLOGDIR":       c.QlogDir,
		"SSLKEYLOGFILE": c.KeyLogFile,
		"SCENARIOS":     c.Scenarios,
		"OUTPUT":        c.Output,
		"INSECURE":      strconv.FormatBool(c.Insecure),
	}
}

// EnvLine renders the effective configuration as a shell command prefix reproducing it.
func (c *Config) EnvLine() string {
	values := c.env()
	var keys []string
	for k, v := range values {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		parts = append(parts, k+"="+shellescape.Quote(values[k]))
	}
	return strings.Join(parts, " ")
}
