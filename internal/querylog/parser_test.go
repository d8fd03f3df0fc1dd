package querylog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var at = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want entry
	}{
		{
			name: "syslog query with extra",
			line: "Mar 14 09:29:58 dnsmasq[812]: 17 10.0.0.5/53211 query[AAAA] example.com from 10.0.0.5",
			want: entry{At: time.Date(2026, 3, 14, 9, 29, 58, 0, time.UTC), Kind: eventQuery, Serial: 17, Client: "10.0.0.5", Name: "example.com", QType: "AAAA"},
		},
		{
			name: "stderr query without extra",
			line: "dnsmasq: query[A] router.lan from 192.168.1.20",
			want: entry{At: at, Kind: eventQuery, Client: "192.168.1.20", Name: "router.lan", QType: "A"},
		},
		{
			name: "forwarded",
			line: "dnsmasq[812]: 17 10.0.0.5/53211 forwarded example.com to 9.9.9.9",
			want: entry{At: at, Kind: eventForwarded, Serial: 17, Client: "10.0.0.5", Name: "example.com", Target: "9.9.9.9"},
		},
		{
			name: "reply",
			line: "dnsmasq[812]: 17 10.0.0.5/53211 reply example.com is 2606:2800:220:1::",
			want: entry{At: at, Kind: eventReply, Serial: 17, Client: "10.0.0.5", Name: "example.com", Target: "2606:2800:220:1::"},
		},
		{
			name: "cached",
			line: "dnsmasq: cached example.com is <CNAME>",
			want: entry{At: at, Kind: eventCached, Name: "example.com", Target: "<CNAME>"},
		},
		{
			name: "config",
			line: "dnsmasq: config ads.example.net is 0.0.0.0",
			want: entry{At: at, Kind: eventConfig, Name: "ads.example.net", Target: "0.0.0.0"},
		},
		{
			name: "hosts file",
			line: "dnsmasq: /etc/hosts nas.lan is 192.168.1.10",
			want: entry{At: at, Kind: eventHosts, Name: "nas.lan", Target: "192.168.1.10"},
		},
		{
			name: "rfc3339 timestamp",
			line: "2026-03-14T09:29:00Z dnsmasq[1]: query[MX] mail.example from ::1",
			want: entry{At: time.Date(2026, 3, 14, 9, 29, 0, 0, time.UTC), Kind: eventQuery, Client: "::1", Name: "mail.example", QType: "MX"},
		},
		{
			name: "startup banner",
			line: "dnsmasq: started, version 2.90 cachesize 150",
			want: entry{At: at, Kind: eventOther},
		},
		{
			name: "dhcp",
			line: "dnsmasq-dhcp[812]: DHCPACK(eth0) 192.168.1.50 aa:bb:cc:dd:ee:ff laptop",
			want: entry{At: at, Kind: eventOther},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseLine(tt.line, at)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{
		"garbage",
		"kernel: eth0 link up",
		"dnsmasq: query[A] example.com",
		"dnsmasq: forwarded example.com via 1.1.1.1",
		"dnsmasq: reply example.com",
	} {
		_, err := parseLine(line, at)
		assert.ErrorIs(t, err, errMalformed, line)
	}
}

func TestSyslogYearRollover(t *testing.T) {
	jan := time.Date(2027, 1, 1, 0, 0, 5, 0, time.UTC)
	e, err := parseLine("Dec 31 23:59:59 dnsmasq: query[A] a.example from 10.0.0.1", jan)
	require.NoError(t, err)
	assert.Equal(t, 2026, e.At.Year())
}

func TestIsBlockedAnswer(t *testing.T) {
	assert.True(t, isBlockedAnswer("0.0.0.0"))
	assert.True(t, isBlockedAnswer("::"))
	assert.True(t, isBlockedAnswer("NXDOMAIN"))
	assert.False(t, isBlockedAnswer("192.168.1.1"))
}
