package auth

import (
	"net"
	"strings"
	"sync"
)

// Blacklist holds banned client IPv4 addresses. Banned clients are refused
// before any token is looked at.
type Blacklist struct {
	mu    sync.RWMutex
	ips   []string
	index map[string]bool
}

func NewBlacklist() *Blacklist {
	return &Blacklist{index: make(map[string]bool)}
}

func validIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && strings.Count(s, ".") == 3 && !strings.Contains(s, ":")
}

// Ban adds the valid IPv4 addresses among ips and returns the whole list.
// Anything else is ignored.
func (b *Blacklist) Ban(ips []string) []string {
	b.mu.Lock()
	for _, ip := range ips {
		ip = strings.TrimSpace(ip)
		if !validIPv4(ip) || b.index[ip] {
			continue
		}
		b.index[ip] = true
		b.ips = append(b.ips, ip)
	}
	b.mu.Unlock()
	return b.Banned()
}

// IsBanned reports whether ip is on the list.
func (b *Blacklist) IsBanned(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index[ip]
}

// Banned returns the list in the order entries were added.
func (b *Blacklist) Banned() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.ips))
	copy(out, b.ips)
	return out
}
