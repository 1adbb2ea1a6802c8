// Package geoip resolves client IPs to ISO-3166-1 alpha-2 country
// codes against a MaxMind-format country database, the way the
// teacher's services/geoip.go wraps geoip2-golang — trimmed here to
// the read-only lookup path the admission controller needs.
package geoip

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/oschwald/geoip2-golang"
)

// MinValidSize is the smallest file size considered a plausible
// country database (spec.md §6).
const MinValidSize = 100 * 1024

// Resolver looks up the country for an IP against whichever database is
// currently loaded. The database handle is replaced atomically so
// concurrent lookups never observe a half-swapped reader.
type Resolver struct {
	reader atomic.Pointer[geoip2.Reader]
	mu     sync.Mutex // serializes Load/Reload against each other
	path   string
}

// New constructs a Resolver with no database loaded. Absence of a
// database is non-fatal: Lookup simply returns ("", false) until Load
// succeeds.
func New() *Resolver {
	return &Resolver{}
}

// Load opens the database file at path. A missing file is not an
// error — geo checks stay disabled until a valid database appears.
func (r *Resolver) Load(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat geo database: %w", err)
	}
	if info.Size() < MinValidSize {
		return fmt.Errorf("geo database %s is too small to be valid (%d bytes)", path, info.Size())
	}

	reader, err := geoip2.Open(path)
	if err != nil {
		return fmt.Errorf("open geo database: %w", err)
	}

	old := r.reader.Swap(reader)
	r.path = path
	if old != nil {
		old.Close()
	}
	return nil
}

// Reload re-opens the database at path, for use by an external refresh
// scheduler (out of scope per spec.md §1; this method is the hook it
// calls). An empty path reuses the path of the last Load that opened a
// database; with none, Reload does nothing.
func (r *Resolver) Reload(path string) error {
	if path == "" {
		r.mu.Lock()
		path = r.path
		r.mu.Unlock()
	}
	if path == "" {
		return nil
	}
	return r.Load(path)
}

// Loaded reports whether a database is currently active.
func (r *Resolver) Loaded() bool {
	return r.reader.Load() != nil
}

// Lookup resolves ip to an uppercase ISO-3166-1 alpha-2 country code.
// It returns ok=false if no database is loaded or the IP has no known
// country.
func (r *Resolver) Lookup(ipStr string) (code string, ok bool) {
	reader := r.reader.Load()
	if reader == nil {
		return "", false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", false
	}
	record, err := reader.Country(ip)
	if err != nil || record.Country.IsoCode == "" {
		return "", false
	}
	return strings.ToUpper(record.Country.IsoCode), true
}

// Close releases the underlying mmap, if any.
func (r *Resolver) Close() error {
	if reader := r.reader.Load(); reader != nil {
		return reader.Close()
	}
	return nil
}

// NormalizeCountry validates and canonicalizes an operator-supplied
// country code: exactly two ASCII letters, uppercased.
func NormalizeCountry(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if len(trimmed) != 2 {
		return "", fmt.Errorf("country code must be 2 letters")
	}
	for _, ch := range trimmed {
		if (ch < 'a' || ch > 'z') && (ch < 'A' || ch > 'Z') {
			return "", fmt.Errorf("country code must be letters")
		}
	}
	return strings.ToUpper(trimmed), nil
}
