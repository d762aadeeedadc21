package mdns

import (
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/mzyy94/airscan/internal/discovery"
	"github.com/mzyy94/airscan/internal/proto"
)

// txt parses DNS-SD TXT strings into a map with lower-case keys.
func txt(records []string) map[string]string {
	m := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		m[strings.ToLower(k)] = v
	}
	return m
}

// EntryFinding converts a browse result into a finding. It reports false
// when the entry withdraws the service (TTL 0).
func EntryFinding(e *zeroconf.ServiceEntry, m discovery.Method) (*discovery.Finding, bool) {
	t := txt(e.Text)
	f := &discovery.Finding{
		Method: m,
		Name:   e.Instance,
		Model:  t["ty"],
		UUID:   t["uuid"],
	}
	if e.TTL == 0 {
		return f, false
	}

	var addrs []netip.Addr
	for _, ip := range append(append([]net.IP{}, e.AddrIPv4...), e.AddrIPv6...) {
		a, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		a = a.Unmap()
		if a.Is6() && a.IsLinkLocalUnicast() {
			// a zone is required to reach it and zeroconf does not report one
			continue
		}
		addrs = append(addrs, a)
	}
	f.Addrs = addrs

	if m == discovery.MethodMDNSHint {
		return f, true
	}

	scheme := "http"
	if m == discovery.MethodMDNSUscans {
		scheme = "https"
	}
	rs, ok := t["rs"]
	if !ok {
		rs = "eSCL"
	}
	path := "/"
	if rs = strings.Trim(rs, "/"); rs != "" {
		path = "/" + rs + "/"
	}
	for _, a := range addrs {
		f.Endpoints = append(f.Endpoints, proto.Endpoint{
			Protocol: proto.ProtocolESCL,
			URI: &url.URL{
				Scheme: scheme,
				Host:   net.JoinHostPort(a.String(), strconv.Itoa(e.Port)),
				Path:   path,
			},
		})
	}
	return f, true
}
