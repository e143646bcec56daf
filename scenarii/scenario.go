/*
    Maxime Piraux's master's thesis
    Copyright (C) 2017-2018  Maxime Piraux

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU Affero General Public License version 3
	as published by the Free Software Foundation.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU Affero General Public License for more details.

    You should have received a copy of the GNU Affero General Public License
    along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/
package scenarii

import (
	"sort"

	qt "github.com/QUIC-Tracker/quic-interop"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

// A Table maps scenario names to the profiles they select.
type Table map[string]*qt.ScenarioProfile

// Resolve returns the profile of the named scenario. The same name always resolves to the same profile.
func (t Table) Resolve(name string) (*qt.ScenarioProfile, error) {
	p, ok := t[name]
	if !ok {
		return nil, qt.NewConfigError("TESTCASE", errors.Wrapf(qt.ErrUnknownScenario, "%q", name))
	}
	return p, nil
}

func (t Table) Names() []string {
	var names []string
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge returns a new table holding the entries of t, replaced or extended by those of overrides.
func (t Table) Merge(overrides Table) Table {
	merged := make(Table, len(t)+len(overrides))
	for name, p := range t {
		merged[name] = p
	}
	for name, p := range overrides {
		merged[name] = p
	}
	return merged
}

type AbstractScenario struct {
	name     string
	grouping qt.ConnectionGrouping
	options  []func(p *qt.ScenarioProfile)
}

func (s *AbstractScenario) Name() string { return s.name }

func (s *AbstractScenario) Profile() *qt.ScenarioProfile {
	p := &qt.ScenarioProfile{Name: s.name, Grouping: s.grouping}
	for _, o := range s.options {
		o(p)
	}
	return p
}

func shared(name string, options ...func(p *qt.ScenarioProfile)) *AbstractScenario {
	return &AbstractScenario{name, qt.SingleShared, options}
}

func perRequest(name string, options ...func(p *qt.ScenarioProfile)) *AbstractScenario {
	return &AbstractScenario{name, qt.PerRequest, options}
}

func firstSeparate(p *qt.ScenarioProfile) { p.FirstRequestSeparate = true }
func zeroRTT(p *qt.ScenarioProfile)       { p.Use0RTT = true }
func retry(p *qt.ScenarioProfile)         { p.RequireRetry = true }
func chacha20(p *qt.ScenarioProfile)      { p.Ciphers = qt.ChaCha20Only }
func quiet(p *qt.ScenarioProfile)         { p.LogLevel = qt.LogOff }

func versions(vs ...uint32) func(p *qt.ScenarioProfile) {
	return func(p *qt.ScenarioProfile) { p.RestrictedVersions = mapset.NewSet(vs...) }
}

func maxStreams(n uint32) func(p *qt.ScenarioProfile) {
	return func(p *qt.ScenarioProfile) { p.MaxConcurrentStreams = n }
}
