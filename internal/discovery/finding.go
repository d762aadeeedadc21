package discovery

import (
	"cmp"
	"net/netip"
	"net/url"
	"slices"
	"strings"

	"github.com/OpenPrinting/go-mfp/util/uuid"

	"github.com/mzyy94/airscan/internal/proto"
)

// Method is a discovery method. Each method contributes its own findings
// and has its own initial scan.
type Method int

const (
	MethodMDNSUscan  Method = iota // _uscan._tcp
	MethodMDNSUscans               // _uscans._tcp
	MethodMDNSHint                 // _scanner._tcp, no endpoints
	MethodStatic                   // configuration file

	NumMethods
)

func (m Method) String() string {
	switch m {
	case MethodMDNSUscan:
		return "mdns-uscan"
	case MethodMDNSUscans:
		return "mdns-uscans"
	case MethodMDNSHint:
		return "mdns-hint"
	case MethodStatic:
		return "static"
	}
	return "unknown"
}

// IsMDNS reports whether m is one of the multicast DNS methods.
func (m Method) IsMDNS() bool {
	return m == MethodMDNSUscan || m == MethodMDNSUscans || m == MethodMDNSHint
}

// Finding is one observation of a device by one method on one interface.
type Finding struct {
	Method    Method
	IfIndex   int
	Name      string
	Model     string
	UUID      string // empty if the method does not know it
	Endpoints []proto.Endpoint
	Addrs     []netip.Addr
}

// key returns the identity findings are merged under: the device UUID,
// or a UUID derived from the name when none was announced.
func (f *Finding) key() string {
	if f.UUID != "" {
		return NormalizeUUID(f.UUID)
	}
	return NameUUID(f.Name)
}

// NameUUID returns the stable UUID synthesized for a device known only
// by name.
func NameUUID(name string) string {
	return uuid.SHA1(uuid.NameSpaceDNS, "airscan."+name).String()
}

// NormalizeUUID lower-cases a UUID and strips an urn:uuid: prefix.
func NormalizeUUID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimPrefix(s, "urn:uuid:")
}

// Record is the merged view of all findings of one device.
type Record struct {
	UUID      string
	Name      string
	Model     string
	Protocols proto.ProtocolSet
	Endpoints []proto.Endpoint
}

// mergeEndpoints returns the union of the findings' endpoints without
// duplicates, in preference order.
func mergeEndpoints(findings []*Finding) []proto.Endpoint {
	seen := make(map[string]bool)
	var out []proto.Endpoint
	for _, f := range findings {
		for _, ep := range f.Endpoints {
			k := ep.URI.String()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, ep)
		}
	}
	slices.SortStableFunc(out, compareEndpoints)
	return out
}

// compareEndpoints orders eSCL before WSD, routable addresses before
// link-local ones, IPv4 before IPv6, then by URI.
func compareEndpoints(a, b proto.Endpoint) int {
	if c := cmp.Compare(a.Protocol, b.Protocol); c != 0 {
		return c
	}
	aa, bb := hostAddr(a.URI), hostAddr(b.URI)
	if c := cmpBool(aa.IsLinkLocalUnicast(), bb.IsLinkLocalUnicast()); c != 0 {
		return c
	}
	if c := cmpBool(!aa.Is4(), !bb.Is4()); c != 0 {
		return c
	}
	return strings.Compare(a.URI.String(), b.URI.String())
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return 1
	}
	return -1
}

// hostAddr returns the literal IP of u's host, or the zero Addr for
// host names.
func hostAddr(u *url.URL) netip.Addr {
	a, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return netip.Addr{}
	}
	return a.Unmap()
}

// StaticFinding builds the finding of a statically configured device.
func StaticFinding(name string, p proto.Protocol, u *url.URL) *Finding {
	f := &Finding{
		Method:    MethodStatic,
		Name:      name,
		Endpoints: []proto.Endpoint{{Protocol: p, URI: u}},
	}
	if a := hostAddr(u); a.IsValid() {
		f.Addrs = []netip.Addr{a}
	}
	return f
}
