package scenarii

import qt "github.com/QUIC-Tracker/quic-interop"

func GetAllScenarii() []*AbstractScenario {
	return []*AbstractScenario{
		perRequest("handshake"),
		shared("transfer"),
		perRequest("multihandshake"),
		perRequest("multiconnect"),
		perRequest("versionnegotiation", versions(qt.RestrictedSupportedVersions...)),
		shared("chacha20", chacha20),
		shared("retry", retry),
		shared("resumption", firstSeparate),
		shared("zerortt", firstSeparate, zeroRTT),
		shared("transportparameter", maxStreams(10)),
		shared("goodput", quiet),
		shared("crosstraffic", quiet),
		shared("optimize", maxStreams(255), quiet),
		shared("keyupdate"),
		shared("ecn"),
		shared("amplificationlimit"),
		perRequest("handshakeloss"),
		perRequest("handshakecorruption"),
		shared("transferloss"),
		shared("transfercorruption"),
		shared("blackhole"),
		shared("ipv6"),
	}
}

// DefaultTable is the canonical scenario table. Each call builds fresh profiles.
func DefaultTable() Table {
	t := make(Table)
	for _, s := range GetAllScenarii() {
		t[s.Name()] = s.Profile()
	}
	return t
}
