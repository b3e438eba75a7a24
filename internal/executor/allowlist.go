package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/armada/internal/batch"
)

// DefaultTools groups the tools workers may run by category.
var DefaultTools = map[string][]string{
	"network_recon": {"nmap", "rustscan", "masscan", "naabu", "hping3", "nping", "arp-scan", "fping", "dnsrecon", "dnsenum", "amass", "subfinder", "assetfinder", "httpx", "httprobe", "waybackurls", "gau", "katana", "dnsx", "whois", "dig", "nslookup", "host"},
	"web_scanning":  {"nikto", "sqlmap", "dirb", "gobuster", "wfuzz", "ffuf", "whatweb", "wpscan", "joomscan", "droopescan", "curl", "wget", "nuclei", "wafw00f"},
	"vuln_scanning": {"trivy", "grype", "semgrep", "checkov", "tfsec", "lynis"},
	"exploitation":  {"searchsploit", "hydra", "medusa", "ncrack", "john", "hashcat"},
	"system_info":   {"uname", "whoami", "hostname", "ip", "netstat", "ss", "ps", "id"},
	"forensics":     {"strings", "file", "exiftool", "binwalk"},
	"utility":       {"echo", "cat", "head", "tail", "grep", "awk", "sed", "sort", "uniq", "wc", "openssl"},
}

// dangerousPatterns are refused regardless of the allowlist.
var dangerousPatterns = []string{
	"rm -rf",
	"mkfs",
	"chmod 777",
	"reboot",
	"shutdown",
	"halt",
	":(){:|:&};:",
	"dd if=",
	"> /dev/sd",
}

// IsDangerous reports whether command contains a destructive pattern.
func IsDangerous(command string) bool {
	lower := strings.ToLower(command)
	for _, p := range dangerousPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Allowlist matches a command's tool name against glob patterns such as
// "nmap" or "python3*".
type Allowlist struct {
	patterns []string
	globs    []glob.Glob
}

// NewAllowlist compiles patterns. An empty pattern list allows nothing.
func NewAllowlist(patterns ...string) (*Allowlist, error) {
	a := &Allowlist{}
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile allowlist pattern %q: %w", p, err)
		}
		a.patterns = append(a.patterns, p)
		a.globs = append(a.globs, g)
	}
	return a, nil
}

// DefaultAllowlist allows every tool in DefaultTools.
func DefaultAllowlist() *Allowlist {
	var tools []string
	for _, list := range DefaultTools {
		tools = append(tools, list...)
	}
	sort.Strings(tools)
	a, err := NewAllowlist(tools...)
	if err != nil {
		// DefaultTools holds only literal names.
		panic(err)
	}
	return a
}

// Allowed reports whether the tool invoked by command matches a pattern.
func (a *Allowlist) Allowed(command string) bool {
	if a == nil {
		return true
	}
	tool := batch.Tool(command)
	if tool == "" {
		return false
	}
	for _, g := range a.globs {
		if g.Match(tool) {
			return true
		}
	}
	return false
}

// Patterns returns the compiled patterns.
func (a *Allowlist) Patterns() []string {
	if a == nil {
		return nil
	}
	return append([]string(nil), a.patterns...)
}

// Categories returns the DefaultTools category names in sorted order.
func Categories() []string {
	cats := make([]string, 0, len(DefaultTools))
	for c := range DefaultTools {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

// Category returns the DefaultTools category of tool, or "unknown".
func Category(tool string) string {
	tool = strings.ToLower(tool)
	for _, c := range Categories() {
		for _, t := range DefaultTools[c] {
			if t == tool {
				return c
			}
		}
	}
	return "unknown"
}
