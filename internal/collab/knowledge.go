package collab

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

// Port is an open port observed on a target.
type Port struct {
	Target       string    `json:"target"`
	Port         int       `json:"port"`
	Service      string    `json:"service,omitempty"`
	Version      string    `json:"version,omitempty"`
	DiscoveredBy string    `json:"discovered_by,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Technology is a product or framework identified on a target.
type Technology struct {
	Target       string    `json:"target"`
	Name         string    `json:"name"`
	Version      string    `json:"version,omitempty"`
	DiscoveredBy string    `json:"discovered_by,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Vulnerability is a suspected weakness on a target.
type Vulnerability struct {
	Target       string    `json:"target"`
	Type         string    `json:"type"`
	Details      string    `json:"details"`
	Severity     Severity  `json:"severity"`
	CVE          string    `json:"cve,omitempty"`
	Verified     bool      `json:"verified"`
	DiscoveredBy string    `json:"discovered_by,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Subdomain is a host found beneath a parent domain.
type Subdomain struct {
	Parent       string    `json:"parent"`
	Name         string    `json:"name"`
	IP           string    `json:"ip,omitempty"`
	DiscoveredBy string    `json:"discovered_by,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Directory is a path found on a web target.
type Directory struct {
	Target       string    `json:"target"`
	Path         string    `json:"path"`
	StatusCode   int       `json:"status_code,omitempty"`
	DiscoveredBy string    `json:"discovered_by,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// TargetSummary is everything known about one target.
type TargetSummary struct {
	Ports           []Port          `json:"ports"`
	Technologies    []Technology    `json:"technologies"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Directories     []Directory     `json:"directories"`
	Subdomains      []Subdomain     `json:"subdomains"`
}

// Empty reports whether nothing is known.
func (s TargetSummary) Empty() bool {
	return len(s.Ports)+len(s.Technologies)+len(s.Vulnerabilities)+len(s.Directories)+len(s.Subdomains) == 0
}

// String renders a compact one-line digest suitable for a prompt.
func (s TargetSummary) String() string {
	var parts []string
	if len(s.Ports) > 0 {
		ports := make([]string, 0, len(s.Ports))
		for _, p := range s.Ports {
			if p.Service != "" {
				ports = append(ports, fmt.Sprintf("%d/%s", p.Port, p.Service))
			} else {
				ports = append(ports, fmt.Sprint(p.Port))
			}
		}
		parts = append(parts, "ports: "+strings.Join(ports, ", "))
	}
	if len(s.Technologies) > 0 {
		techs := make([]string, 0, len(s.Technologies))
		for _, t := range s.Technologies {
			techs = append(techs, strings.TrimSpace(t.Name+" "+t.Version))
		}
		parts = append(parts, "tech: "+strings.Join(techs, ", "))
	}
	if len(s.Vulnerabilities) > 0 {
		parts = append(parts, fmt.Sprintf("vulns: %d", len(s.Vulnerabilities)))
	}
	if len(s.Directories) > 0 {
		parts = append(parts, fmt.Sprintf("paths: %d", len(s.Directories)))
	}
	if len(s.Subdomains) > 0 {
		parts = append(parts, fmt.Sprintf("subdomains: %d", len(s.Subdomains)))
	}
	return strings.Join(parts, "; ")
}

type knowledge struct {
	Ports           map[string]Port          `json:"ports"`
	Technologies    map[string]Technology    `json:"technologies"`
	Vulnerabilities map[string]Vulnerability `json:"vulnerabilities"`
	Subdomains      map[string]Subdomain     `json:"subdomains"`
	Directories     map[string]Directory     `json:"directories"`
}

// KnowledgeBase accumulates per-target facts. Every Add is first-writer-wins
// and reports whether the entry was new.
type KnowledgeBase struct {
	mu  sync.RWMutex
	k   knowledge
	now func() time.Time
}

// NewKnowledgeBase creates an empty KnowledgeBase.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		k: knowledge{
			Ports:           make(map[string]Port),
			Technologies:    make(map[string]Technology),
			Vulnerabilities: make(map[string]Vulnerability),
			Subdomains:      make(map[string]Subdomain),
			Directories:     make(map[string]Directory),
		},
		now: time.Now,
	}
}

func insert[T any](kb *KnowledgeBase, m map[string]T, key string, v T) bool {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	if _, ok := m[key]; ok {
		return false
	}
	m[key] = v
	return true
}

// AddPort records an open port.
func (kb *KnowledgeBase) AddPort(target string, port int, service, version, agentID string) bool {
	return insert(kb, kb.k.Ports, fmt.Sprintf("%s:%d", target, port), Port{
		Target:       target,
		Port:         port,
		Service:      service,
		Version:      version,
		DiscoveredBy: agentID,
		Timestamp:    kb.now(),
	})
}

// AddTechnology records an identified technology.
func (kb *KnowledgeBase) AddTechnology(target, name, version, agentID string) bool {
	return insert(kb, kb.k.Technologies, target+":"+strings.ToLower(name), Technology{
		Target:       target,
		Name:         name,
		Version:      version,
		DiscoveredBy: agentID,
		Timestamp:    kb.now(),
	})
}

// AddVulnerability records a suspected vulnerability. Entries are keyed by
// target, type and a hash of the details.
func (kb *KnowledgeBase) AddVulnerability(target, vulnType, details string, severity Severity, cve, agentID string) bool {
	h := fnv.New32a()
	_, _ = h.Write([]byte(details))
	key := fmt.Sprintf("%s:%s:%08x", target, vulnType, h.Sum32())
	return insert(kb, kb.k.Vulnerabilities, key, Vulnerability{
		Target:       target,
		Type:         vulnType,
		Details:      details,
		Severity:     severity,
		CVE:          cve,
		DiscoveredBy: agentID,
		Timestamp:    kb.now(),
	})
}

// AddSubdomain records a subdomain of parent.
func (kb *KnowledgeBase) AddSubdomain(parent, subdomain, ip, agentID string) bool {
	return insert(kb, kb.k.Subdomains, strings.ToLower(subdomain), Subdomain{
		Parent:       parent,
		Name:         subdomain,
		IP:           ip,
		DiscoveredBy: agentID,
		Timestamp:    kb.now(),
	})
}

// AddDirectory records a path found on target.
func (kb *KnowledgeBase) AddDirectory(target, path string, statusCode int, agentID string) bool {
	return insert(kb, kb.k.Directories, target+path, Directory{
		Target:       target,
		Path:         path,
		StatusCode:   statusCode,
		DiscoveredBy: agentID,
		Timestamp:    kb.now(),
	})
}

// Summary returns everything known about target, each list ordered by
// discovery time.
func (kb *KnowledgeBase) Summary(target string) TargetSummary {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	var s TargetSummary
	for _, p := range kb.k.Ports {
		if p.Target == target {
			s.Ports = append(s.Ports, p)
		}
	}
	for _, t := range kb.k.Technologies {
		if t.Target == target {
			s.Technologies = append(s.Technologies, t)
		}
	}
	for _, v := range kb.k.Vulnerabilities {
		if v.Target == target {
			s.Vulnerabilities = append(s.Vulnerabilities, v)
		}
	}
	for _, d := range kb.k.Directories {
		if d.Target == target {
			s.Directories = append(s.Directories, d)
		}
	}
	for _, sd := range kb.k.Subdomains {
		if sd.Parent == target {
			s.Subdomains = append(s.Subdomains, sd)
		}
	}

	sort.Slice(s.Ports, func(i, j int) bool { return s.Ports[i].Port < s.Ports[j].Port })
	sort.Slice(s.Technologies, func(i, j int) bool { return s.Technologies[i].Timestamp.Before(s.Technologies[j].Timestamp) })
	sort.Slice(s.Vulnerabilities, func(i, j int) bool { return s.Vulnerabilities[i].Timestamp.Before(s.Vulnerabilities[j].Timestamp) })
	sort.Slice(s.Directories, func(i, j int) bool { return s.Directories[i].Path < s.Directories[j].Path })
	sort.Slice(s.Subdomains, func(i, j int) bool { return s.Subdomains[i].Name < s.Subdomains[j].Name })
	return s
}

// WasScanned reports whether port on target is known. A zero port asks
// whether any port on target is known.
func (kb *KnowledgeBase) WasScanned(target string, port int) bool {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	if port > 0 {
		_, ok := kb.k.Ports[fmt.Sprintf("%s:%d", target, port)]
		return ok
	}
	for _, p := range kb.k.Ports {
		if p.Target == target {
			return true
		}
	}
	return false
}

// MarshalJSON exports the whole knowledge base.
func (kb *KnowledgeBase) MarshalJSON() ([]byte, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return json.Marshal(kb.k)
}

// Import merges a previously exported knowledge base. Existing entries win.
func (kb *KnowledgeBase) Import(data []byte) error {
	var in knowledge
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("import knowledge: %w", err)
	}

	kb.mu.Lock()
	defer kb.mu.Unlock()
	mergeMissing(kb.k.Ports, in.Ports)
	mergeMissing(kb.k.Technologies, in.Technologies)
	mergeMissing(kb.k.Vulnerabilities, in.Vulnerabilities)
	mergeMissing(kb.k.Subdomains, in.Subdomains)
	mergeMissing(kb.k.Directories, in.Directories)
	return nil
}

func mergeMissing[T any](dst, src map[string]T) {
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
}
