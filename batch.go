package interop

import (
	"net"
	"net/url"
	"path"
	"strconv"
)

// A ConnectionGroup is a non-empty ordered set of resources fetched over exactly one connection.
type ConnectionGroup struct {
	Index      int
	Resources  []*url.URL
	Sequential bool // Set on the carved-out first group: it must be closed before any other group starts
}

// Address is the UDP endpoint of the group, taken from its first resource.
func (g ConnectionGroup) Address() string {
	if len(g.Resources) == 0 {
		return ""
	}
	return ResourceAddress(g.Resources[0])
}

func (g ConnectionGroup) ServerName() string {
	if len(g.Resources) == 0 {
		return ""
	}
	return g.Resources[0].Hostname()
}

// Partition splits the requested resources into connection groups according to the profile. Groups cover every
// resource exactly once and keep the input order.
func Partition(resources []*url.URL, profile *ScenarioProfile) []ConnectionGroup {
	var groups []ConnectionGroup
	if len(resources) == 0 {
		return groups
	}

	rest := resources
	if profile.FirstRequestSeparate {
		groups = append(groups, ConnectionGroup{Resources: resources[:1:1], Sequential: true})
		rest = resources[1:]
	}

	if len(rest) > 0 {
		switch profile.Grouping {
		case SingleShared:
			groups = append(groups, ConnectionGroup{Resources: rest})
		default:
			for i := range rest {
				groups = append(groups, ConnectionGroup{Resources: rest[i : i+1 : i+1]})
			}
		}
	}

	for i := range groups {
		groups[i].Index = i
	}
	return groups
}

func ResourceAddress(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = strconv.Itoa(DefaultPort)
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// DownloadName is the file name a resource is persisted under: its last path segment.
func DownloadName(u *url.URL) string {
	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		return DefaultDownloadName
	}
	return name
}

// RequestPath is the path sent on the wire for a resource.
func RequestPath(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.EscapedPath()
}
