package scenarii

import (
	"io"
	"os"

	qt "github.com/QUIC-Tracker/quic-interop"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type scenarioEntry struct {
	Grouping      string   `yaml:"grouping"`
	FirstSeparate bool     `yaml:"first_separate"`
	ZeroRTT       bool     `yaml:"zero_rtt"`
	Retry         bool     `yaml:"retry"`
	Versions      []uint32 `yaml:"versions"`
	Ciphers       string   `yaml:"ciphers"`
	MaxStreams    uint32   `yaml:"max_streams"`
	LogLevel      string   `yaml:"log_level"`
}

type tableFile struct {
	Scenarios map[string]scenarioEntry `yaml:"scenarios"`
}

// LoadTable reads scenario definitions from a YAML document. They are meant to be merged over the default table.
func LoadTable(r io.Reader) (Table, error) {
	var f tableFile
	decoder := yaml.NewDecoder(r)
	decoder.SetStrict(true)
	if err := decoder.Decode(&f); err != nil && err != io.EOF {
		return nil, qt.NewConfigError("SCENARIOS", errors.Wrap(err, "parsing scenario table"))
	}

	t := make(Table, len(f.Scenarios))
	for name, e := range f.Scenarios {
		p, err := e.profile(name)
		if err != nil {
			return nil, qt.NewConfigError("SCENARIOS", errors.Wrapf(err, "scenario %s", name))
		}
		t[name] = p
	}
	return t, nil
}

// LoadTableFile merges the scenarios defined in the YAML file at path over the default table. An empty path
// returns the default table.
func LoadTableFile(path string) (Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, qt.NewConfigError("SCENARIOS", err)
	}
	defer f.Close()
	overrides, err := LoadTable(f)
	if err != nil {
		return nil, err
	}
	return DefaultTable().Merge(overrides), nil
}

func (e scenarioEntry) profile(name string) (*qt.ScenarioProfile, error) {
	p := &qt.ScenarioProfile{
		Name:                 name,
		FirstRequestSeparate: e.FirstSeparate,
		Use0RTT:              e.ZeroRTT,
		RequireRetry:         e.Retry,
		MaxConcurrentStreams: e.MaxStreams,
		LogLevel:             qt.LogLevel(e.LogLevel),
	}

	switch e.Grouping {
	case "", qt.SingleShared.String():
		p.Grouping = qt.SingleShared
	case qt.PerRequest.String():
		p.Grouping = qt.PerRequest
	default:
		return nil, errors.Errorf("unknown grouping %q", e.Grouping)
	}

	switch e.Ciphers {
	case "", qt.DefaultCiphers.String():
		p.Ciphers = qt.DefaultCiphers
	case qt.ChaCha20Only.String():
		p.Ciphers = qt.ChaCha20Only
	default:
		return nil, errors.Errorf("unknown cipher restriction %q", e.Ciphers)
	}

	if len(e.Versions) > 0 {
		p.RestrictedVersions = mapset.NewSet(e.Versions...)
	}
	if p.LogLevel != qt.LogOff && p.LogLevel != qt.LogDefault {
		if _, ok := p.LogLevel.Logrus(); !ok {
			return nil, errors.Errorf("unknown log level %q", e.LogLevel)
		}
	}
	return p, nil
}
