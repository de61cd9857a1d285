package discovery

import (
	"net"

	"github.com/grandcat/zeroconf"
)

// fakeEntry builds a zeroconf.ServiceEntry for tests without touching the
// network.
type fakeEntry struct {
	instance string
	host     string
	port     int
}

func (f *fakeEntry) toServiceEntry() *zeroconf.ServiceEntry {
	e := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: f.instance,
			Service:  ServiceType,
			Domain:   Domain,
		},
		Port: f.port,
	}
	if ip := net.ParseIP(f.host); ip != nil {
		if ip.To4() != nil {
			e.AddrIPv4 = []net.IP{ip}
		} else {
			e.AddrIPv6 = []net.IP{ip}
		}
	} else {
		e.HostName = f.host
	}
	return e
}
