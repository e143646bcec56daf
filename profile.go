package interop

import (
	"crypto/tls"
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
)

type ConnectionGrouping int

const (
	PerRequest ConnectionGrouping = iota
	SingleShared
)

func (g ConnectionGrouping) String() string {
	switch g {
	case PerRequest:
		return "per-request"
	case SingleShared:
		return "shared"
	}
	return fmt.Sprintf("ConnectionGrouping(%d)", int(g))
}

type CipherRestriction int

const (
	DefaultCiphers CipherRestriction = iota
	ChaCha20Only
)

func (c CipherRestriction) String() string {
	switch c {
	case DefaultCiphers:
		return "default"
	case ChaCha20Only:
		return "chacha20"
	}
	return fmt.Sprintf("CipherRestriction(%d)", int(c))
}

// Permits tells whether a negotiated TLS 1.3 cipher suite satisfies the restriction.
func (c CipherRestriction) Permits(suite uint16) bool {
	if c == ChaCha20Only {
		return suite == tls.TLS_CHACHA20_POLY1305_SHA256
	}
	return true
}

// LogLevel is a logrus level name, or LogOff to discard all output.
type LogLevel string

const LogOff LogLevel = "off"
const LogDefault LogLevel = ""

func (l LogLevel) Logrus() (logrus.Level, bool) {
	if l == LogOff || l == LogDefault {
		return logrus.PanicLevel, false
	}
	level, err := logrus.ParseLevel(string(l))
	if err != nil {
		return logrus.InfoLevel, false
	}
	return level, true
}

// A ScenarioProfile is the set of behavioural flags a named scenario selects. Profiles are built once at startup
// and only ever read afterwards.
type ScenarioProfile struct {
	Name                 string
	Grouping             ConnectionGrouping
	FirstRequestSeparate bool
	Use0RTT              bool
	RequireRetry         bool
	RestrictedVersions   mapset.Set[uint32] // nil when every version the transport supports is allowed
	Ciphers              CipherRestriction
	MaxConcurrentStreams uint32 // 0 is unbounded
	LogLevel             LogLevel
}

func (p *ScenarioProfile) Versions() []uint32 {
	if p.RestrictedVersions == nil {
		return nil
	}
	versions := p.RestrictedVersions.ToSlice()
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// EarlyDataFor tells whether the given group starts its session in 0-RTT mode. The carved-out first group of a
// resumption scenario never does, it is the one producing the session ticket.
func (p *ScenarioProfile) EarlyDataFor(group ConnectionGroup) bool {
	if !p.Use0RTT {
		return false
	}
	return !(p.FirstRequestSeparate && group.Index == 0)
}

func (p *ScenarioProfile) String() string {
	var flags []string
	flags = append(flags, "grouping="+p.Grouping.String())
	if p.FirstRequestSeparate {
		flags = append(flags, "first-separate")
	}
	if p.Use0RTT {
		flags = append(flags, "0rtt")
	}
	if p.RequireRetry {
		flags = append(flags, "retry")
	}
	if versions := p.Versions(); versions != nil {
		var vs []string
		for _, v := range versions {
			vs = append(vs, fmt.Sprintf("0x%08x", v))
		}
		flags = append(flags, "versions="+strings.Join(vs, ","))
	}
	if p.Ciphers != DefaultCiphers {
		flags = append(flags, "ciphers="+p.Ciphers.String())
	}
	if p.MaxConcurrentStreams > 0 {
		flags = append(flags, fmt.Sprintf("max-streams=%d", p.MaxConcurrentStreams))
	}
	if p.LogLevel != LogDefault {
		flags = append(flags, "log="+string(p.LogLevel))
	}
	return fmt.Sprintf("%s{%s}", p.Name, strings.Join(flags, " "))
}
