package batch

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	openPortRe = regexp.MustCompile(`(\d+)/(tcp|udp)\s+open\s+(\S+)`)
	dirHitRe   = regexp.MustCompile(`(/\S+)\s+\(Status:\s*(\d+)`)
)

// OpenPort is one "80/tcp open http" line of scanner output.
type OpenPort struct {
	Port     int
	Protocol string
	Service  string
}

// OpenPorts scans command output for open-port lines. Duplicates are
// reported once.
func OpenPorts(output string) []OpenPort {
	var out []OpenPort
	seen := make(map[string]bool)
	for _, m := range openPortRe.FindAllStringSubmatch(output, -1) {
		port, err := strconv.Atoi(m[1])
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		key := m[1] + "/" + m[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, OpenPort{Port: port, Protocol: m[2], Service: m[3]})
	}
	return out
}

// PathHit is one "/admin (Status: 200)" line of content-discovery output.
type PathHit struct {
	Path   string
	Status int
}

// PathHits scans directory brute-force output.
func PathHits(output string) []PathHit {
	var out []PathHit
	for _, m := range dirHitRe.FindAllStringSubmatch(output, -1) {
		status, _ := strconv.Atoi(m[2])
		out = append(out, PathHit{Path: m[1], Status: status})
	}
	return out
}

// Subdomains returns distinct hostnames under domain found in output.
func Subdomains(output, domain string) []string {
	if domain == "" {
		return nil
	}
	re, err := regexp.Compile(`([a-zA-Z0-9][-a-zA-Z0-9.]*\.` + regexp.QuoteMeta(domain) + `)\b`)
	if err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, m := range re.FindAllStringSubmatch(output, -1) {
		host := strings.ToLower(m[1])
		if seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, host)
	}
	return out
}

// Tool returns the lower-cased program name of a command, without any RUN
// prefix or directory.
func Tool(command string) string {
	fields := strings.Fields(StripPrefix(command))
	if len(fields) == 0 {
		return ""
	}
	name := fields[0]
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	return strings.ToLower(name)
}
