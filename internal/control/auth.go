package control

import (
	"crypto/subtle"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// authorized reports whether r carries the control token. Browsers cannot
// set headers on websocket upgrades, so /status also accepts the token as
// a subprotocol.
func (c *ControlServer) authorized(r *http.Request, allowSubprotocol bool) bool {
	token, ok := headerToken(r.Header.Get("Authorization"))
	if !ok && allowSubprotocol {
		token, ok = subprotocolToken(websocket.Subprotocols(r))
	}
	if !ok || c.cfg.AuthToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(c.cfg.AuthToken)) == 1
}

func headerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func subprotocolToken(protocols []string) (string, bool) {
	for _, proto := range protocols {
		encoded, found := strings.CutPrefix(proto, wsTokenPrefix)
		if !found || encoded == "" {
			continue
		}
		if decoded, err := base64.RawURLEncoding.DecodeString(encoded); err == nil && len(decoded) > 0 {
			return string(decoded), true
		}
	}
	return "", false
}

// sameOrigin accepts non-browser clients, which send no Origin, and pages
// served from the control address itself.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

const limiterIdle = 5 * time.Minute

// ipLimiter is a token bucket per remote host.
type ipLimiter struct {
	mu        sync.Mutex
	perSecond float64
	burst     float64
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		perSecond: perSecond,
		burst:     float64(burst),
		buckets:   make(map[string]*bucket),
	}
}

func (l *ipLimiter) allow(host string, now time.Time) bool {
	if host == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b, ok := l.buckets[host]
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.buckets[host] = b
	}
	b.tokens = min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.perSecond)
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets idle long enough to have refilled completely.
func (l *ipLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < limiterIdle {
		return
	}
	l.lastSweep = now
	for host, b := range l.buckets {
		if now.Sub(b.seen) >= limiterIdle {
			delete(l.buckets, host)
		}
	}
}
