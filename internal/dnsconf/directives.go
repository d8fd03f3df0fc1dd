package dnsconf

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var knownDirectives = buildDirectives()

func buildDirectives() map[string]directive {
	m := map[string]directive{}

	flags := []string{
		"no-hosts", "no-resolv", "no-poll", "bogus-priv", "domain-needed",
		"strict-order", "all-servers", "expand-hosts", "filterwin2k",
		"no-negcache", "dhcp-authoritative", "bind-interfaces", "bind-dynamic",
		"keep-in-foreground", "no-daemon", "localise-queries", "stop-dns-rebind",
		"rebind-localhost-ok", "enable-ra", "dnssec", "read-ethers", "leasefile-ro",
		"dhcp-rapid-commit", "no-ping", "log-dhcp", "quiet-dhcp", "quiet-dhcp6",
		"quiet-ra", "tftp-secure", "tftp-no-blocksize", "dhcp-fqdn", "clear-on-reload",
		"selfmx", "localmx", "no-round-robin", "log-debug", "proxy-dnssec",
		"dhcp-no-override", "dns-loop-detect", "script-arp", "filter-AAAA",
		"filter-A", "strip-mac", "strip-subnet", "dhcp-ignore-clid", "no-ident",
		"dhcp-sequential-ip", "fast-dns-retry", "rebind-domain-ok-all",
		"dnssec-no-timecheck", "stop-dns-rebind-ok", "conntrack",
	}
	for _, f := range flags {
		m[f] = directive{mode: argFlag}
	}

	optional := map[string]func(string) error{
		"log-queries":           oneOf("extra", "proto", "auth"),
		"log-async":             uintRange(0, 100),
		"enable-tftp":           nil,
		"dnssec-check-unsigned": oneOf("no"),
		"local-service":         oneOf("net", "host"),
		"dhcp-broadcast":        nil,
	}
	for name, check := range optional {
		m[name] = directive{mode: argOptional, check: check}
	}

	required := map[string]func(string) error{
		"port":                 uintRange(0, 65535),
		"query-port":           uintRange(0, 65535),
		"min-port":             uintRange(0, 65535),
		"max-port":             uintRange(0, 65535),
		"cache-size":           uintRange(0, 1<<31-1),
		"dhcp-lease-max":       uintRange(1, 1<<31-1),
		"neg-ttl":              uintRange(0, 1<<32-1),
		"local-ttl":            uintRange(0, 1<<32-1),
		"max-ttl":              uintRange(0, 1<<32-1),
		"max-cache-ttl":        uintRange(0, 1<<32-1),
		"min-cache-ttl":        uintRange(0, 3600),
		"auth-ttl":             uintRange(0, 1<<32-1),
		"edns-packet-max":      uintRange(512, 65535),
		"dns-forward-max":      uintRange(1, 1<<31-1),
		"dhcp-range":           checkDHCPRange,
		"dhcp-host":            checkDHCPHost,
		"address":              checkDomainTarget(false),
		"server":               checkServer,
		"local":                checkServer,
		"rev-server":           checkRevServer,
		"listen-address":       checkIPList,
		"bogus-nxdomain":       checkIPList,
		"ignore-address":       checkIPList,
		"interface":            checkInterfaces,
		"except-interface":     checkInterfaces,
		"no-dhcp-interface":    checkInterfaces,
		"auth-server":          nil,
		"domain":               checkDomainDirective,
		"dhcp-option":          checkDHCPOption,
		"dhcp-option-force":    checkDHCPOption,
		"log-facility":         checkLogFacility,
		"conf-file":            checkPath,
		"conf-dir":             checkPath,
		"addn-hosts":           checkPath,
		"hostsdir":             checkPath,
		"resolv-file":          checkPath,
		"pid-file":             nil,
		"dhcp-leasefile":       checkPath,
		"dhcp-hostsfile":       checkPath,
		"dhcp-optsfile":        checkPath,
		"servers-file":         checkPath,
		"dhcp-script":          checkPath,
		"tftp-root":            nil,
		"user":                 nil,
		"group":                nil,
		"dhcp-boot":            nil,
		"dhcp-match":           nil,
		"dhcp-vendorclass":     nil,
		"dhcp-userclass":       nil,
		"dhcp-mac":             nil,
		"dhcp-ignore":          nil,
		"dhcp-generate-names":  nil,
		"dhcp-relay":           nil,
		"ra-param":             nil,
		"cname":                checkMinFields(2),
		"mx-host":              nil,
		"srv-host":             nil,
		"txt-record":           nil,
		"ptr-record":           nil,
		"host-record":          checkMinFields(2),
		"ipset":                checkDomainTarget(true),
		"nftset":               checkDomainTarget(true),
		"alias":                checkMinFields(2),
		"trust-anchor":         nil,
		"rebind-domain-ok":     nil,
		"connmark-allowlist":   nil,
		"dhcp-name-match":      checkMinFields(2),
		"dhcp-ignore-names":    nil,
		"tag-if":               nil,
		"dhcp-alternate-port":  nil,
		"interface-name":       checkMinFields(2),
		"synth-domain":         checkMinFields(2),
		"dynamic-host":         checkMinFields(2),
		"add-subnet":           nil,
		"add-mac":              nil,
		"add-cpe-id":           nil,
		"dhcp-duid":            nil,
		"dhcp-script-user":     nil,
		"dhcp-luascript":       checkPath,
		"dhcp-pxe-vendor":      nil,
		"pxe-service":          nil,
		"pxe-prompt":           nil,
		"shared-network":       checkMinFields(2),
		"auth-zone":            nil,
		"auth-soa":             nil,
		"auth-sec-servers":     nil,
		"auth-peer":            checkIPList,
		"local-ttl-negative":   uintRange(0, 1<<32-1),
	}
	for name, check := range required {
		m[name] = directive{mode: argRequired, check: check}
	}

	return m
}

func oneOf(values ...string) func(string) error {
	return func(v string) error {
		for _, ok := range values {
			if v == ok {
				return nil
			}
		}
		return fmt.Errorf("%q is not one of %s", v, strings.Join(values, ", "))
	}
}

func uintRange(lo, hi uint64) func(string) error {
	return func(v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%q is not a non-negative integer", v)
		}
		if n < lo || n > hi {
			return fmt.Errorf("%d is outside %d..%d", n, lo, hi)
		}
		return nil
	}
}

func checkMinFields(n int) func(string) error {
	return func(v string) error {
		fields := strings.Split(v, ",")
		if len(fields) < n {
			return fmt.Errorf("expected at least %d comma-separated fields", n)
		}
		for _, f := range fields {
			if strings.TrimSpace(f) == "" {
				return errors.New("empty field")
			}
		}
		return nil
	}
}

func checkPath(v string) error {
	if strings.ContainsRune(v, 0) {
		return errors.New("path contains NUL")
	}
	return nil
}

func isIP(s string) bool {
	return net.ParseIP(strings.Trim(s, "[]")) != nil
}

func checkIPList(v string) error {
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if _, _, err := net.ParseCIDR(f); err == nil {
			continue
		}
		if !isIP(f) {
			return fmt.Errorf("%q is not an IP address", f)
		}
	}
	return nil
}

func checkInterfaces(v string) error {
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			return errors.New("empty interface name")
		}
		if len(f) > 15 || strings.ContainsAny(f, " /") {
			return fmt.Errorf("%q is not an interface name", f)
		}
	}
	return nil
}

func validDomain(d string) bool {
	if d == "" || len(d) > 253 {
		return false
	}
	d = strings.TrimPrefix(d, "*.")
	d = strings.TrimSuffix(d, ".")
	if d == "" || d == "#" {
		return true
	}
	for _, label := range strings.Split(d, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for _, r := range label {
			if !(r == '-' || r == '_' || r == '*' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
				return false
			}
		}
	}
	return true
}

// splitDomains handles the "/dom1/dom2/rest" form. ok is false when v does
// not start with a slash.
func splitDomains(v string) (domains []string, rest string, ok bool, err error) {
	if !strings.HasPrefix(v, "/") {
		return nil, v, false, nil
	}
	last := strings.LastIndex(v, "/")
	if last == 0 {
		return nil, "", true, errors.New("unterminated /domain/ list")
	}
	for _, d := range strings.Split(v[1:last], "/") {
		if d == "" {
			continue
		}
		if !validDomain(d) {
			return nil, "", true, fmt.Errorf("%q is not a domain", d)
		}
		domains = append(domains, d)
	}
	return domains, v[last+1:], true, nil
}

// checkDomainTarget validates address=/dom/[ip] and ipset=/dom/set.
func checkDomainTarget(setNames bool) func(string) error {
	return func(v string) error {
		_, rest, ok, err := splitDomains(v)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("expected /domain/ prefix")
		}
		if setNames {
			if rest == "" {
				return errors.New("missing set name")
			}
			return nil
		}
		if rest == "" || rest == "#" {
			return nil
		}
		if !isIP(rest) {
			return fmt.Errorf("%q is not an IP address", rest)
		}
		return nil
	}
}

func checkServer(v string) error {
	_, rest, _, err := splitDomains(v)
	if err != nil {
		return err
	}
	if rest == "" || rest == "#" {
		return nil
	}
	return checkUpstream(rest)
}

// checkUpstream validates ip[#port][@source[#port]] or ip@interface.
func checkUpstream(s string) error {
	addr, source, _ := strings.Cut(s, "@")
	host, port, hasPort := strings.Cut(addr, "#")
	if !isIP(host) {
		return fmt.Errorf("%q is not an IP address", host)
	}
	if hasPort {
		if err := uintRange(1, 65535)(port); err != nil {
			return fmt.Errorf("port: %w", err)
		}
	}
	if source != "" {
		src, sport, hasSport := strings.Cut(source, "#")
		if src == "" {
			return errors.New("empty source")
		}
		if hasSport {
			if err := uintRange(0, 65535)(sport); err != nil {
				return fmt.Errorf("source port: %w", err)
			}
		}
	}
	return nil
}

func checkRevServer(v string) error {
	prefix, rest, ok := strings.Cut(v, ",")
	if _, _, err := net.ParseCIDR(prefix); err != nil && !isIP(prefix) {
		return fmt.Errorf("%q is not an address/prefix", prefix)
	}
	if !ok || rest == "" {
		return nil
	}
	return checkUpstream(rest)
}

func checkDomainDirective(v string) error {
	fields := strings.Split(v, ",")
	if !validDomain(fields[0]) {
		return fmt.Errorf("%q is not a domain", fields[0])
	}
	rest := fields[1:]
	if len(rest) > 0 && rest[len(rest)-1] == "local" {
		rest = rest[:len(rest)-1]
	}
	switch len(rest) {
	case 0:
		return nil
	case 1:
		if _, _, err := net.ParseCIDR(rest[0]); err == nil || isIP(rest[0]) {
			return nil
		}
		return checkInterfaces(rest[0])
	case 2:
		if isIP(rest[0]) && isIP(rest[1]) {
			return nil
		}
		return fmt.Errorf("%q,%q is not an address range", rest[0], rest[1])
	default:
		return errors.New("too many fields")
	}
}

var rangeKeywords = map[string]bool{
	"static": true, "proxy": true, "ra-only": true, "ra-names": true,
	"ra-stateless": true, "ra-advrouter": true, "slaac": true, "off-link": true,
}

func isTagField(f string) bool {
	for _, p := range []string{"set:", "tag:", "net:", "interface:"} {
		if strings.HasPrefix(f, p) {
			return true
		}
	}
	return false
}

func isLeaseTime(f string) bool {
	if f == "infinite" || f == "deprecated" {
		return true
	}
	if f == "" {
		return false
	}
	num := strings.TrimRight(f, "smhdwSMHDW")
	if len(f)-len(num) > 1 {
		return false
	}
	_, err := strconv.ParseUint(num, 10, 32)
	return err == nil
}

func checkDHCPRange(v string) error {
	fields := strings.Split(v, ",")
	i := 0
	for i < len(fields) && isTagField(fields[i]) {
		i++
	}
	if i == len(fields) {
		return errors.New("missing start address")
	}
	start := net.ParseIP(fields[i])
	if start == nil {
		return fmt.Errorf("%q is not a start address", fields[i])
	}
	v4 := start.To4() != nil
	for _, f := range fields[i+1:] {
		f = strings.TrimSpace(f)
		switch {
		case f == "":
			return errors.New("empty field")
		case rangeKeywords[f], strings.HasPrefix(f, "constructor:"):
		case net.ParseIP(f) != nil:
			if (net.ParseIP(f).To4() != nil) != v4 {
				return fmt.Errorf("%q mixes address families", f)
			}
		case isLeaseTime(f):
		default:
			return fmt.Errorf("unexpected field %q", f)
		}
	}
	return nil
}

func isMAC(f string) bool {
	f = strings.TrimPrefix(f, "ether:")
	parts := strings.FieldsFunc(f, func(r rune) bool { return r == ':' || r == '-' })
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if p == "*" {
			continue
		}
		if _, err := strconv.ParseUint(p, 16, 8); err != nil {
			return false
		}
	}
	return true
}

func looksNumericDotted(f string) bool {
	return strings.Count(f, ".") == 3 && strings.Trim(f, "0123456789.") == ""
}

func checkDHCPHost(v string) error {
	for _, f := range strings.Split(v, ",") {
		f = strings.TrimSpace(f)
		switch {
		case f == "":
			return errors.New("empty field")
		case isTagField(f), strings.HasPrefix(f, "id:"), f == "ignore":
		case isMAC(f):
		case looksNumericDotted(f):
			if net.ParseIP(f) == nil {
				return fmt.Errorf("%q is not an IPv4 address", f)
			}
		case strings.HasPrefix(f, "["):
			if !isIP(f) {
				return fmt.Errorf("%q is not an IPv6 address", f)
			}
		case isLeaseTime(f):
		case validDomain(f):
		default:
			return fmt.Errorf("unexpected field %q", f)
		}
	}
	return nil
}

func checkDHCPOption(v string) error {
	fields := strings.Split(v, ",")
	i := 0
	for i < len(fields) {
		f := fields[i]
		if isTagField(f) || strings.HasPrefix(f, "encap:") || strings.HasPrefix(f, "vi-encap:") ||
			strings.HasPrefix(f, "vendor:") {
			i++
			continue
		}
		break
	}
	if i == len(fields) {
		return errors.New("missing option number or name")
	}
	opt := fields[i]
	switch {
	case strings.HasPrefix(opt, "option:"), strings.HasPrefix(opt, "option6:"):
		name := opt[strings.Index(opt, ":")+1:]
		if name == "" {
			return errors.New("empty option name")
		}
		if n, err := strconv.Atoi(name); err == nil && (n < 0 || n > 65535) {
			return fmt.Errorf("option %d out of range", n)
		}
	default:
		n, err := strconv.Atoi(opt)
		if err != nil {
			return fmt.Errorf("%q is not an option number or option:name", opt)
		}
		if n < 0 || n > 255 {
			return fmt.Errorf("option %d out of range", n)
		}
	}
	return nil
}

var syslogFacilities = map[string]bool{
	"KERN": true, "USER": true, "MAIL": true, "DAEMON": true, "AUTH": true,
	"SYSLOG": true, "LPR": true, "NEWS": true, "UUCP": true, "CRON": true,
	"AUTHPRIV": true, "FTP": true, "LOCAL0": true, "LOCAL1": true, "LOCAL2": true,
	"LOCAL3": true, "LOCAL4": true, "LOCAL5": true, "LOCAL6": true, "LOCAL7": true,
}

func checkLogFacility(v string) error {
	if v == "-" || strings.HasPrefix(v, "/") {
		return nil
	}
	if syslogFacilities[strings.ToUpper(v)] {
		return nil
	}
	return fmt.Errorf("%q is neither a file, \"-\" nor a syslog facility", v)
}
