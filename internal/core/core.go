// Package core wires the policy store, connection registry, geo
// resolver and rule engine behind one sync.RWMutex-guarded facade, the
// way the teacher's services/flood.go centralizes flood-control state
// behind a single struct's lock. Core is the only thing cmd/forwardgate
// and internal/api ever touch; it is also the relay.Sink every
// listener calls into.
package core

import (
	"sort"
	"sync"
	"time"

	"forwardgate/internal/admission"
	"forwardgate/internal/geoip"
	"forwardgate/internal/policy"
	"forwardgate/internal/registry"
	"forwardgate/internal/rules"
	"forwardgate/internal/snapshot"
	"forwardgate/internal/sysmsg"
)

// Core owns every piece of mutable forwarding state and persists it on
// every mutation (spec.md §5 "every mutating operation ends with a
// snapshot write").
type Core struct {
	mu sync.RWMutex

	store    *policy.Store
	registry *registry.Registry
	resolver *geoip.Resolver
	engine   *rules.Engine
	persist  *snapshot.Engine
}

// New constructs a Core with the rule engine wired to use it as
// relay.Sink, then loads whatever snapshot document is already on
// disk.
func New(dataDir, geoDBPath string) *Core {
	persist := snapshot.New(dataDir)
	doc := persist.Load()

	var maxRuleID, maxConnID int64
	for _, rd := range doc.Rules {
		if rd.ID > maxRuleID {
			maxRuleID = rd.ID
		}
	}
	for _, ld := range doc.History {
		if ld.ID > maxConnID {
			maxConnID = ld.ID
		}
	}

	c := &Core{
		store:    policy.NewStore(),
		registry: registry.New(maxConnID + 1),
		resolver: geoip.New(),
		persist:  persist,
	}
	c.engine = rules.NewEngine(maxRuleID+1, c)

	if geoDBPath != "" {
		if err := c.resolver.Load(geoDBPath); err != nil {
			sysmsg.Warn("geo database load failed: %v", err)
		}
	}

	c.restore(doc)
	return c
}

// --- relay.Sink implementation ---

// Admit is called by listeners with no lock of their own held; it
// takes the exclusive lock for the whole admission decision so
// concurrency and rate-limit state never race another admission.
func (c *Core) Admit(ruleID int64, clientIP string, listenPort uint16) (int64, bool, string) {
	c.mu.Lock()
	decision := admission.Admit(c.store, c.registry, c.resolver, ruleID, clientIP, listenPort, time.Now())
	c.mu.Unlock()
	return decision.ConnID, decision.Allowed, decision.Reason
}

// UpdateBytes is a lightweight, frequent call from the data plane; it
// does not trigger a snapshot write (spec.md §9 "progress updates are
// not themselves persisted").
func (c *Core) UpdateBytes(connID int64, cumulative uint64) {
	c.mu.Lock()
	c.registry.UpdateBytes(connID, cumulative, time.Now())
	c.mu.Unlock()
}

// Finalize closes out a connection and persists the resulting history
// entry.
func (c *Core) Finalize(connID int64, bytesUp, bytesDown uint64, reason string) {
	c.mu.Lock()
	c.registry.Finalize(connID, bytesUp, bytesDown, reason, time.Now())
	doc := c.snapshotLocked()
	c.mu.Unlock()
	c.persist.Save(doc)
}

// AppendBlocked records a rejection and persists it.
func (c *Core) AppendBlocked(ruleID int64, listenPort uint16, clientIP, reason string) {
	c.mu.Lock()
	c.registry.AppendBlocked(ruleID, listenPort, clientIP, reason, time.Now())
	doc := c.snapshotLocked()
	c.mu.Unlock()
	c.persist.Save(doc)
}

// --- rule operations (spec.md §6) ---

// CreateRule validates, assigns an id, persists, then starts listeners
// if the draft is enabled. On a listener start failure the rule is
// force-disabled and re-persisted, matching the teacher's
// persist-then-start ordering.
func (c *Core) CreateRule(draft rules.Draft) (rules.Rule, error) {
	rule, err := c.engine.Create(draft)
	if err != nil {
		return rules.Rule{}, err
	}
	c.persistNow()

	if rule.Enabled {
		if err := c.engine.StartListeners(rule.ID); err != nil {
			c.persistNow()
			rule, _ = c.engine.Get(rule.ID)
			return rule, err
		}
	}
	return rule, nil
}

// GetRule, ListRules mirror Engine's read paths.
func (c *Core) GetRule(id int64) (rules.Rule, bool) { return c.engine.Get(id) }
func (c *Core) ListRules() []rules.Rule              { return c.engine.List() }

// UpdateRule applies patch and persists the result.
func (c *Core) UpdateRule(id int64, patch rules.Patch) (rules.Rule, error) {
	rule, err := c.engine.Update(id, patch)
	c.persistNow()
	return rule, err
}

// EnableRule and DisableRule toggle a rule and persist the result.
func (c *Core) EnableRule(id int64) (rules.Rule, error) {
	rule, err := c.engine.Enable(id)
	c.persistNow()
	return rule, err
}

func (c *Core) DisableRule(id int64) (rules.Rule, error) {
	rule, err := c.engine.Disable(id)
	c.persistNow()
	return rule, err
}

// DeleteRule stops the rule's listeners, removes it, and persists.
func (c *Core) DeleteRule(id int64) error {
	err := c.engine.Delete(id)
	c.persistNow()
	return err
}

// Shutdown stops every listener, awaiting a bounded time for their
// accept loops to exit, then dispatches one final save and waits 50ms
// for it to land.
func (c *Core) Shutdown(timeout time.Duration) {
	c.engine.Shutdown(timeout)
	c.persistNowSync()
}

// --- read-only connection views (spec.md §4.7, §6) ---

func (c *Core) ActiveConnections() []registry.Active {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.ReadActive()
}

func (c *Core) RecentConnections(limit int) []registry.LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.ReadRecent(limit)
}

func (c *Core) BlockedConnections(limit int) []registry.LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.ReadBlocked(limit)
}

func (c *Core) ConnectionHistory(limit int) []registry.LogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.ReadHistory(limit)
}

func (c *Core) DDoSReport() []registry.DDoSEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.AggregateDDoS()
}

// --- policy mutation (spec.md §6) ---

func (c *Core) BlockIP(ip string, port uint16) {
	c.mu.Lock()
	c.store.BlockIP(ip, port)
	c.mu.Unlock()
	c.persistNow()
}

func (c *Core) UnblockIP(ip string, port uint16) {
	c.mu.Lock()
	c.store.UnblockIP(ip, port)
	c.mu.Unlock()
	c.persistNow()
}

func (c *Core) AllowIP(ip string, port uint16) {
	c.mu.Lock()
	c.store.AllowIP(ip, port)
	c.mu.Unlock()
	c.persistNow()
}

func (c *Core) DisallowIP(ip string, port uint16) {
	c.mu.Lock()
	c.store.DisallowIP(ip, port)
	c.mu.Unlock()
	c.persistNow()
}

func (c *Core) SetAllowlistEnabled(enabled bool) {
	c.mu.Lock()
	c.store.AllowlistEnabled = enabled
	c.mu.Unlock()
	c.persistNow()
}

func (c *Core) BlockCountry(code string, port uint16) error {
	normalized, err := geoip.NormalizeCountry(code)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.store.BlockCountry(normalized, port)
	c.mu.Unlock()
	c.persistNow()
	return nil
}

func (c *Core) UnblockCountry(code string, port uint16) error {
	normalized, err := geoip.NormalizeCountry(code)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.store.UnblockCountry(normalized, port)
	c.mu.Unlock()
	c.persistNow()
	return nil
}

func (c *Core) RateLimit() policy.RateLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.RateLimit
}

// SetRateLimit merges patch onto the existing rate limit — a nil field
// leaves its current value untouched — then clamps the result to the
// floor-of-1 invariant (spec.md §6).
func (c *Core) SetRateLimit(patch policy.RateLimitPatch) {
	c.mu.Lock()
	c.store.RateLimit = c.store.RateLimit.Apply(patch)
	c.mu.Unlock()
	c.persistNow()
}

// ReloadGeoDatabase re-opens the last-loaded geo database file, for an
// operator-triggered refresh via internal/api.
func (c *Core) ReloadGeoDatabase() error {
	return c.resolver.Reload("")
}

// --- persistence plumbing ---

func (c *Core) persistNow() {
	c.mu.RLock()
	doc := c.snapshotLocked()
	c.mu.RUnlock()
	c.persist.Save(doc)
}

// persistNowSync dispatches a save and then sleeps 50ms so the write
// has time to land, used only at shutdown where a detached goroutine
// could be killed before it runs. It does not wait for the write to
// complete.
func (c *Core) persistNowSync() {
	c.mu.RLock()
	doc := c.snapshotLocked()
	c.mu.RUnlock()
	c.persist.Save(doc)
	// Save dispatches asynchronously; give it a moment to land before
	// the process exits. A bounded sleep is the teacher's own shutdown
	// pattern for "let the last save finish".
	time.Sleep(50 * time.Millisecond)
}

func (c *Core) snapshotLocked() snapshot.Document {
	ruleDocs := make([]snapshot.RuleDoc, 0, len(c.engine.List()))
	for _, r := range c.engine.List() {
		ruleDocs = append(ruleDocs, snapshot.RuleDoc{
			ID:         r.ID,
			ListenAddr: r.ListenSpec,
			TargetAddr: r.TargetSpec,
			Enabled:    r.Enabled,
			CreatedAt:  r.CreatedAt.Format(time.RFC3339),
			Protocol:   string(r.Protocol),
		})
	}

	history := c.registry.History()
	logDocs := make([]snapshot.LogDoc, 0, len(history))
	for _, entry := range history {
		doc := snapshot.LogDoc{
			ID:        entry.ConnID,
			RuleID:    entry.RuleID,
			ClientIP:  entry.ClientIP,
			StartedAt: entry.StartedAt.Format(time.RFC3339),
			BytesUp:   entry.BytesUp,
			BytesDown: entry.BytesDown,
			Blocked:   entry.Blocked,
		}
		port := entry.ListenPort
		doc.ListenPort = &port
		ended := entry.EndedAt.Format(time.RFC3339)
		doc.EndedAt = &ended
		if entry.Reason != "" {
			reason := entry.Reason
			doc.Reason = &reason
		}
		logDocs = append(logDocs, doc)
	}

	return snapshot.Document{
		Rules:            ruleDocs,
		Blocklist:        c.store.BlocklistGlobalList(),
		PortBlocklist:     portSetToList(c.store.BlocklistPerPort),
		Allowlist:        c.store.AllowlistGlobalList(),
		AllowlistPorts:   portSetToList(c.store.AllowlistPerPort),
		AllowlistEnabled: c.store.AllowlistEnabled,
		GeoBlocklist:     c.store.GeoBlocklistGlobalList(),
		GeoPortBlocklist: countrySetToList(c.store.GeoBlocklistPort),
		History:          logDocs,
		RateLimit: snapshot.RateLimitDoc{
			MaxNewConnectionsPerMinute:     c.store.RateLimit.MaxNewPerMinute,
			MaxConcurrentConnectionsPerIP:  c.store.RateLimit.MaxConcurrentPerIP,
			MaxConcurrentTotal:             c.store.RateLimit.MaxConcurrentTotal,
		},
	}
}

func portSetToList(m map[uint16]map[string]struct{}) []snapshot.IPPort {
	var out []snapshot.IPPort
	ports := make([]uint16, 0, len(m))
	for port := range m {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	for _, port := range ports {
		ips := make([]string, 0, len(m[port]))
		for ip := range m[port] {
			ips = append(ips, ip)
		}
		sort.Strings(ips)
		for _, ip := range ips {
			out = append(out, snapshot.IPPort{IP: ip, Port: port})
		}
	}
	return out
}

func countrySetToList(m map[uint16]map[string]struct{}) []snapshot.CountryPort {
	var out []snapshot.CountryPort
	ports := make([]uint16, 0, len(m))
	for port := range m {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	for _, port := range ports {
		codes := make([]string, 0, len(m[port]))
		for code := range m[port] {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		for _, code := range codes {
			out = append(out, snapshot.CountryPort{Country: code, Port: port})
		}
	}
	return out
}

// restore rebuilds in-memory state from a previously loaded
// snapshot.Document (spec.md §4.8, §6): rules first (without starting
// listeners), then policy sets, then history, then listeners for every
// enabled rule.
func (c *Core) restore(doc snapshot.Document) {
	c.mu.Lock()
	for _, rd := range doc.Rules {
		protocol, err := rules.ParseProtocol(rd.Protocol)
		if err != nil {
			protocol = rules.ProtocolTCP
		}
		createdAt, err := time.Parse(time.RFC3339, rd.CreatedAt)
		if err != nil {
			createdAt = time.Now().UTC()
		}
		rule := rules.Rule{
			ID:         rd.ID,
			ListenSpec: rd.ListenAddr,
			TargetSpec: rd.TargetAddr,
			Enabled:    rd.Enabled,
			CreatedAt:  createdAt,
			Protocol:   protocol,
		}
		c.engine.LoadRule(rule)
	}

	for _, ip := range doc.Blocklist {
		c.store.BlockIP(ip, 0)
	}
	for _, entry := range doc.PortBlocklist {
		c.store.BlockIP(entry.IP, entry.Port)
	}
	for _, ip := range doc.Allowlist {
		c.store.AllowIP(ip, 0)
	}
	for _, entry := range doc.AllowlistPorts {
		c.store.AllowIP(entry.IP, entry.Port)
	}
	c.store.AllowlistEnabled = doc.AllowlistEnabled
	for _, code := range doc.GeoBlocklist {
		c.store.BlockCountry(code, 0)
	}
	for _, entry := range doc.GeoPortBlocklist {
		c.store.BlockCountry(entry.Country, entry.Port)
	}
	if doc.RateLimit != (snapshot.RateLimitDoc{}) {
		c.store.RateLimit = policy.RateLimit{
			MaxNewPerMinute:    doc.RateLimit.MaxNewConnectionsPerMinute,
			MaxConcurrentPerIP: doc.RateLimit.MaxConcurrentConnectionsPerIP,
			MaxConcurrentTotal: doc.RateLimit.MaxConcurrentTotal,
		}.Clamp()
	}

	restoredHistory := make([]registry.LogEntry, 0, len(doc.History))
	for _, ld := range doc.History {
		entry := registry.LogEntry{
			ConnID:    ld.ID,
			RuleID:    ld.RuleID,
			ClientIP:  ld.ClientIP,
			BytesUp:   ld.BytesUp,
			BytesDown: ld.BytesDown,
			Blocked:   ld.Blocked,
		}
		if ld.ListenPort != nil {
			entry.ListenPort = *ld.ListenPort
		}
		if t, err := time.Parse(time.RFC3339, ld.StartedAt); err == nil {
			entry.StartedAt = t
		}
		if ld.EndedAt != nil {
			if t, err := time.Parse(time.RFC3339, *ld.EndedAt); err == nil {
				entry.EndedAt = t
			}
		}
		if ld.Reason != nil {
			entry.Reason = *ld.Reason
		}
		restoredHistory = append(restoredHistory, entry)
	}
	c.registry.LoadHistory(restoredHistory)
	c.mu.Unlock()

	for _, rule := range c.engine.List() {
		if rule.Enabled {
			if err := c.engine.StartListeners(rule.ID); err != nil {
				sysmsg.Warn("rule %d failed to start on restore: %v", rule.ID, err)
			}
		}
	}
}
