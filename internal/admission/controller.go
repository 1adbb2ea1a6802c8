// Package admission implements the connection-arrival policy decision
// (spec.md §4.3): allowlist, per-port allowlist, geo blocklist,
// blocklist, concurrency caps and rate limiting, evaluated in a fixed
// order with the first rejection winning.
package admission

import (
	"fmt"
	"time"

	"forwardgate/internal/geoip"
	"forwardgate/internal/policy"
	"forwardgate/internal/registry"
)

// Decision is the outcome of Admit: either Allowed is true and ConnID
// is valid, or Allowed is false and Reason explains why.
type Decision struct {
	Allowed bool
	ConnID  int64
	Reason  string
}

// Admit evaluates spec.md §4.3's ordered checks and, on acceptance,
// registers the connection. Callers must hold the core's exclusive
// lock for the whole call — the decision and its mutation are atomic
// with respect to other admissions only if they are.
func Admit(store *policy.Store, reg *registry.Registry, resolver *geoip.Resolver, ruleID int64, clientIP string, listenPort uint16, now time.Time) Decision {
	if reason, ok := checkAllow(store, resolver, clientIP, listenPort); !ok {
		return Decision{Reason: reason}
	}

	if reg.ActiveTotal() >= store.RateLimit.MaxConcurrentTotal {
		return Decision{Reason: "Too many total connections"}
	}
	if reg.ActiveByIP(clientIP) >= store.RateLimit.MaxConcurrentPerIP {
		return Decision{Reason: "Too many active connections for IP"}
	}

	if n := reg.PruneRateWindow(clientIP, now); n >= store.RateLimit.MaxNewPerMinute {
		return Decision{Reason: "Rate limit exceeded"}
	}
	reg.RecordAdmission(clientIP, now)

	connID := reg.Register(ruleID, clientIP, listenPort, now)
	return Decision{Allowed: true, ConnID: connID}
}

// checkAllow runs the allowlist/geo/blocklist portion of §4.3 (steps
// 1-5); the concurrency and rate-limit steps live in Admit because
// they mutate the registry on success.
func checkAllow(store *policy.Store, resolver *geoip.Resolver, clientIP string, listenPort uint16) (reason string, ok bool) {
	if store.AllowlistEnabled {
		if _, allowed := store.AllowlistGlobal[clientIP]; !allowed {
			return "Not in allowlist", false
		}
	}

	if ips, exists := store.AllowlistPerPort[listenPort]; exists && len(ips) > 0 {
		if _, allowed := ips[clientIP]; !allowed {
			return fmt.Sprintf("Not in allowlist for port %d", listenPort), false
		}
	}

	if resolver != nil && resolver.Loaded() {
		if country, found := resolver.Lookup(clientIP); found {
			if countries, exists := store.GeoBlocklistPort[listenPort]; exists {
				if _, blocked := countries[country]; blocked {
					return fmt.Sprintf("Geo blocked for port %d: %s", listenPort, country), false
				}
			}
			if _, blocked := store.GeoBlocklistGlobal[country]; blocked {
				return fmt.Sprintf("Geo blocked: %s", country), false
			}
		}
	}

	if _, blocked := store.BlocklistGlobal[clientIP]; blocked {
		return "Blocked by rule", false
	}

	if ips, exists := store.BlocklistPerPort[listenPort]; exists {
		if _, blocked := ips[clientIP]; blocked {
			return fmt.Sprintf("Blocked for port %d", listenPort), false
		}
	}

	return "", true
}
