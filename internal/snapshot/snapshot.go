// Package snapshot persists forwarding state to a single JSON file
// (spec.md §4.8, §6). Writes are dispatched off the critical section:
// the caller builds the Document while holding its lock, then hands it
// to Engine.Save, which does the actual file I/O on its own goroutine.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"forwardgate/internal/sysmsg"
)

// IPPort pairs an IP with a port, for the per-port list/allowlist
// sections of the document (spec.md §6).
type IPPort struct {
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

// CountryPort pairs a country code with a port.
type CountryPort struct {
	Country string `json:"country"`
	Port    uint16 `json:"port"`
}

// RuleDoc mirrors rules.Rule for JSON serialization, kept separate so
// the persistence format doesn't couple to the in-memory Protocol type.
type RuleDoc struct {
	ID         int64  `json:"id"`
	ListenAddr string `json:"listen_addr"`
	TargetAddr string `json:"target_addr"`
	Enabled    bool   `json:"enabled"`
	CreatedAt  string `json:"created_at"`
	Protocol   string `json:"protocol"`
}

// LogDoc mirrors registry.LogEntry.
type LogDoc struct {
	ID         int64   `json:"id"`
	RuleID     int64   `json:"rule_id"`
	ClientIP   string  `json:"client_ip"`
	ListenPort *uint16 `json:"listen_port,omitempty"`
	StartedAt  string  `json:"started_at"`
	EndedAt    *string `json:"ended_at,omitempty"`
	BytesUp    uint64  `json:"bytes_up"`
	BytesDown  uint64  `json:"bytes_down"`
	Blocked    bool    `json:"blocked"`
	Reason     *string `json:"reason,omitempty"`
}

// RateLimitDoc mirrors policy.RateLimit with the wire field names
// spec.md §6 specifies.
type RateLimitDoc struct {
	MaxNewConnectionsPerMinute     int `json:"max_new_connections_per_minute"`
	MaxConcurrentConnectionsPerIP int `json:"max_concurrent_connections_per_ip"`
	MaxConcurrentTotal            int `json:"max_concurrent_total"`
}

// Document is the full on-disk shape of state.json (spec.md §6).
type Document struct {
	Rules            []RuleDoc     `json:"rules"`
	Blocklist        []string      `json:"blocklist"`
	PortBlocklist    []IPPort      `json:"port_blocklist"`
	Allowlist        []string      `json:"allowlist"`
	AllowlistPorts   []IPPort      `json:"allowlist_ports"`
	AllowlistEnabled bool          `json:"allowlist_enabled"`
	GeoBlocklist     []string      `json:"geo_blocklist"`
	GeoPortBlocklist []CountryPort `json:"geo_port_blocklist"`
	History          []LogDoc      `json:"history"`
	RateLimit        RateLimitDoc  `json:"rate_limit"`
}

// Engine writes Documents to a JSON file, off the critical section
// that built them, and loads one back at startup.
type Engine struct {
	path string
	mu   sync.Mutex // serializes writes; queued writes run in the order they take the lock
}

// New returns an Engine writing to <dataDir>/state.json.
func New(dataDir string) *Engine {
	return &Engine{path: filepath.Join(dataDir, "state.json")}
}

// Load reads the state file. A missing or unparseable file yields an
// empty Document, never an error — spec.md §4.8 "start with empty
// state".
func (e *Engine) Load() Document {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return Document{}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		sysmsg.Warn("state file %s is not valid JSON, starting empty: %v", e.path, err)
		return Document{}
	}
	return doc
}

// Save dispatches the write as a detached goroutine so the caller's
// lock is never held across file I/O (spec.md §4.8). Failure is
// logged, never propagated.
func (e *Engine) Save(doc Document) {
	go func() {
		if err := e.writeNow(doc); err != nil {
			sysmsg.Error("failed to persist state: %v", err)
		}
	}()
}

// writeNow performs the actual write-to-temp-then-rename, serialized
// against other writers so two writes never run at once. Writes
// dispatched by Save land in the order their goroutines take the lock,
// which is not necessarily the order Save was called in.
func (e *Engine) writeNow(doc Document) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(e.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".state-%s.tmp", uuid.NewString()))
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, e.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}
