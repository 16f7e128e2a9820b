package crawler

import (
	"strings"
	"sync"
)

// Scope decides which hosts belong to a job's site: the job domain itself
// plus allowed subdomains, capped at a maximum number of distinct subdomains.
type Scope struct {
	domain   string
	hostname string
	allow    map[string]struct{}
	max      int

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewScope builds a Scope for domain. An empty allowlist accepts any
// single-label subdomain. max <= 0 disables the subdomain cap.
func NewScope(domain string, allowlist []string, max int) *Scope {
	domain = strings.TrimSpace(strings.ToLower(domain))
	s := &Scope{
		domain:   domain,
		hostname: stripPort(domain),
		max:      max,
		seen:     make(map[string]struct{}),
	}
	if len(allowlist) > 0 {
		s.allow = make(map[string]struct{}, len(allowlist))
		for _, raw := range allowlist {
			value := strings.TrimSpace(strings.ToLower(raw))
			if value != "" {
				s.allow[value] = struct{}{}
			}
		}
	}
	return s
}

// Allows reports whether host is in scope, registering new subdomains.
func (s *Scope) Allows(host string) bool {
	if s == nil {
		return true
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	if host == s.domain || host == s.hostname {
		return true
	}
	name := stripPort(host)
	if !strings.HasSuffix(name, "."+s.hostname) {
		return false
	}
	sub := strings.TrimSuffix(name, "."+s.hostname)
	if s.allow != nil {
		if _, ok := s.allow[sub]; !ok {
			return false
		}
	} else if strings.Contains(sub, ".") {
		return false
	}
	return s.register(sub)
}

func (s *Scope) register(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[sub]; ok {
		return true
	}
	if s.max > 0 && len(s.seen) >= s.max {
		return false
	}
	s.seen[sub] = struct{}{}
	return true
}

// Subdomains returns how many distinct subdomains have been accepted.
func (s *Scope) Subdomains() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end > 0 {
			return host[1:end]
		}
	}
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[:i], ":") {
		return host[:i]
	}
	return host
}
