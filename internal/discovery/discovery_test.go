package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestEntryURL(t *testing.T) {
	tests := []struct {
		name  string
		entry *zeroconf.ServiceEntry
		want  string
		ok    bool
	}{
		{"nil", nil, "", false},
		{"no port", &zeroconf.ServiceEntry{AddrIPv4: []net.IP{net.IPv4(10, 0, 0, 2)}}, "", false},
		{"no address", &zeroconf.ServiceEntry{Port: 1234}, "", false},
		{"ipv4", &zeroconf.ServiceEntry{Port: 1234, AddrIPv4: []net.IP{net.IPv4(10, 0, 0, 2)}, AddrIPv6: []net.IP{net.ParseIP("fe80::1")}}, "ws://10.0.0.2:1234", true},
		{"ipv6", &zeroconf.ServiceEntry{Port: 1234, AddrIPv6: []net.IP{net.ParseIP("fe80::1")}}, "ws://[fe80::1]:1234", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EntryURL(tt.entry)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
