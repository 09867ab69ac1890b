package dnsproxy

import (
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/miekg/dns"
)

// ReverseCache maps addresses from recent A answers back to the name the
// application asked for. Connections that arrive with only an IP can then
// be routed by domain.
type ReverseCache struct {
	mu     sync.Mutex
	lru    *lru.Cache
	maxTTL time.Duration
	now    func() time.Time
}

type reverseEntry struct {
	host    string
	expires time.Time
}

// NewReverseCache returns a cache holding at most size entries. maxTTL caps
// the record TTL; zero means the record TTL is used as is.
func NewReverseCache(size int, maxTTL time.Duration) *ReverseCache {
	return &ReverseCache{
		lru:    lru.New(size),
		maxTTL: maxTTL,
		now:    time.Now,
	}
}

// Add records host for ip until ttl elapses.
func (c *ReverseCache) Add(ip netip.Addr, host string, ttl time.Duration) {
	if c.maxTTL > 0 && ttl > c.maxTTL {
		ttl = c.maxTTL
	}
	if ttl <= 0 || host == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(ip.Unmap(), reverseEntry{host: host, expires: c.now().Add(ttl)})
}

// Lookup returns the host last resolved to ip, if it has not expired.
func (c *ReverseCache) Lookup(ip netip.Addr) (string, bool) {
	key := ip.Unmap()
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if !ok {
		return "", false
	}
	e := v.(reverseEntry)
	if !c.now().Before(e.expires) {
		c.lru.Remove(key)
		return "", false
	}
	return e.host, true
}

// Record adds every A answer of resp under the first question's name. CNAME
// chains resolve to the name the application queried, not the canonical one.
func (c *ReverseCache) Record(resp *dns.Msg) int {
	if resp == nil || resp.Rcode != dns.RcodeSuccess || len(resp.Question) == 0 {
		return 0
	}
	host := strings.TrimSuffix(strings.ToLower(resp.Question[0].Name), ".")
	n := 0
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(a.A)
		if !ok {
			continue
		}
		c.Add(ip, host, time.Duration(a.Hdr.Ttl)*time.Second)
		n++
	}
	return n
}

func (c *ReverseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
