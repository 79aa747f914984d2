package overlay

import (
	"net"
	"testing"
)

func TestParseBeacon(t *testing.T) {
	sender := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 40404}

	cases := map[string]struct {
		raw    string
		peerID string
		addr   string
		ok     bool
	}{
		"explicit host": {
			raw:    announceMagic + " abcd 10.0.0.7:7000",
			peerID: "abcd",
			addr:   "10.0.0.7:7000",
			ok:     true,
		},
		"wildcard v4 host filled from sender": {
			raw:    announceMagic + " abcd 0.0.0.0:7000",
			peerID: "abcd",
			addr:   "192.168.1.5:7000",
			ok:     true,
		},
		"wildcard v6 host filled from sender": {
			raw:    announceMagic + " abcd [::]:7000",
			peerID: "abcd",
			addr:   "192.168.1.5:7000",
			ok:     true,
		},
		"empty host filled from sender": {
			raw:    announceMagic + " abcd :7000",
			peerID: "abcd",
			addr:   "192.168.1.5:7000",
			ok:     true,
		},
		"wrong magic":      {raw: "OTHER abcd 10.0.0.7:7000"},
		"missing field":    {raw: announceMagic + " abcd"},
		"extra field":      {raw: announceMagic + " abcd 10.0.0.7:7000 junk"},
		"unparsable addr":  {raw: announceMagic + " abcd inmem/abcdef"},
		"empty beacon":     {raw: ""},
		"whitespace only":  {raw: "   "},
		"truncated magic":  {raw: announceMagic[:4] + " abcd 10.0.0.7:7000"},
		"port-less addr":   {raw: announceMagic + " abcd 10.0.0.7"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			peerID, addr, ok := parseBeacon(tc.raw, sender)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !tc.ok {
				return
			}
			if peerID != tc.peerID {
				t.Fatalf("peer id = %q, want %q", peerID, tc.peerID)
			}
			if addr != tc.addr {
				t.Fatalf("addr = %q, want %q", addr, tc.addr)
			}
		})
	}
}
