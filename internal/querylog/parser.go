package querylog

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var errMalformed = errors.New("malformed query log line")

type eventKind int

const (
	eventOther eventKind = iota // a daemon line that is not about a query
	eventQuery
	eventForwarded
	eventReply
	eventCached
	eventConfig
	eventHosts
)

// entry is one parsed daemon log line.
type entry struct {
	At     time.Time
	Kind   eventKind
	Serial uint64
	Client string
	Name   string
	QType  string
	Target string // upstream for forwarded, answer otherwise
}

// parseLine parses one dnsmasq log line of the form
//
//	[<timestamp>] dnsmasq[<pid>]: [<serial> <client>/<port> ]<event>
//
// at is used when the line carries no timestamp and supplies the year for
// syslog timestamps.
func parseLine(line string, at time.Time) (entry, error) {
	s := strings.TrimSpace(line)
	e := entry{At: at}

	s, e.At = stripTimestamp(s, at)

	tag, rest, ok := strings.Cut(s, ": ")
	if !ok {
		return e, errMalformed
	}
	name, _, _ := strings.Cut(tag, "[")
	if !strings.HasPrefix(name, "dnsmasq") {
		return e, errMalformed
	}
	if name != "dnsmasq" {
		// dnsmasq-dhcp, dnsmasq-tftp and friends.
		return e, nil
	}

	f := strings.Fields(rest)
	if len(f) >= 3 {
		if serial, err := strconv.ParseUint(f[0], 10, 64); err == nil && strings.Contains(f[1], "/") {
			e.Serial = serial
			e.Client = f[1][:strings.LastIndexByte(f[1], '/')]
			f = f[2:]
		}
	}
	if len(f) == 0 {
		return e, nil
	}

	verb := f[0]
	switch {
	case strings.HasPrefix(verb, "query[") && strings.HasSuffix(verb, "]"):
		if len(f) < 4 || f[2] != "from" {
			return e, errMalformed
		}
		e.Kind = eventQuery
		e.QType = verb[len("query[") : len(verb)-1]
		e.Name = f[1]
		if e.Client == "" {
			e.Client = f[3]
		}
	case verb == "forwarded":
		if len(f) < 4 || f[2] != "to" {
			return e, errMalformed
		}
		e.Kind = eventForwarded
		e.Name, e.Target = f[1], f[3]
	case verb == "reply", verb == "cached", verb == "cached-stale", verb == "config", strings.HasPrefix(verb, "/"):
		if len(f) < 4 || f[2] != "is" {
			return e, errMalformed
		}
		switch {
		case verb == "reply":
			e.Kind = eventReply
		case verb == "config":
			e.Kind = eventConfig
		case strings.HasPrefix(verb, "/"):
			e.Kind = eventHosts
		default:
			e.Kind = eventCached
		}
		e.Name = f[1]
		e.Target = strings.Join(f[3:], " ")
	}
	return e, nil
}

// stripTimestamp removes a leading RFC 3339 or syslog timestamp.
func stripTimestamp(s string, at time.Time) (string, time.Time) {
	if first, rest, ok := strings.Cut(s, " "); ok {
		if ts, err := time.Parse(time.RFC3339Nano, first); err == nil {
			return strings.TrimSpace(rest), ts
		}
	}
	if len(s) > len(time.Stamp) {
		if ts, err := time.ParseInLocation(time.Stamp, s[:len(time.Stamp)], at.Location()); err == nil {
			ts = ts.AddDate(at.Year(), 0, 0)
			// Lines from late December read in January belong to last year.
			if ts.After(at.Add(24 * time.Hour)) {
				ts = ts.AddDate(-1, 0, 0)
			}
			return strings.TrimSpace(s[len(time.Stamp):]), ts
		}
	}
	return s, at
}

// isBlockedAnswer reports whether a config answer is a sinkhole.
func isBlockedAnswer(answer string) bool {
	switch answer {
	case "0.0.0.0", "::", "NXDOMAIN", "NODATA", "NODATA-IPv4", "NODATA-IPv6":
		return true
	}
	return false
}
