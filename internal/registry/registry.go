// Package registry tracks active connections, per-IP counters, rate
// windows and bounded history — the bookkeeping side of admission
// (spec.md §4.7). Like policy.Store, it carries no lock of its own:
// every mutating method is called while the core holds its exclusive
// lock, and read methods under at least its shared lock, so the
// ordering guarantees in spec.md §5 fall out of plain sequential
// calls.
package registry

import (
	"sort"
	"strings"
	"time"
)

// HistoryLimit is the FIFO retention cap on the connection log
// (spec.md §3).
const HistoryLimit = 10000

// rateWindow is the sliding 60s window of admission timestamps.
const rateWindow = 60 * time.Second

// Active is a live connection record (spec.md §3 "Connection record").
type Active struct {
	ConnID          int64
	RuleID          int64
	ClientIP        string
	ListenPort      uint16
	StartedAt       time.Time
	LastUpdate      time.Time
	BytesTransferred uint64
}

// LogEntry is a terminal connection record, active fields plus the
// outcome (spec.md §3 "Connection log").
type LogEntry struct {
	ConnID     int64
	RuleID     int64
	ClientIP   string
	ListenPort uint16
	StartedAt  time.Time
	EndedAt    time.Time
	BytesUp    uint64
	BytesDown  uint64
	Blocked    bool
	Reason     string
}

// DDoSEntry is one row of the aggregated DDoS-class rejection report
// (spec.md §4.7).
type DDoSEntry struct {
	ClientIP   string
	Count      int
	LastSeen   time.Time
	LastReason string
	LastPort   uint16
}

// Registry owns active connections, per-IP counters, rate windows and
// history.
type Registry struct {
	nextConnID int64

	active     map[int64]*Active
	activeByIP map[string]int

	rateWindows map[string][]time.Time

	history []LogEntry // chronological, oldest first, capped at HistoryLimit
}

// New returns an empty registry. nextConnID seeds the connection id
// counter, normally max(seen ids)+1 recovered from a snapshot load
// (spec.md §3 "Rule ids and connection ids ... initialized above the
// maximum id seen on load").
func New(nextConnID int64) *Registry {
	if nextConnID < 1 {
		nextConnID = 1
	}
	return &Registry{
		nextConnID:  nextConnID,
		active:      make(map[int64]*Active),
		activeByIP:  make(map[string]int),
		rateWindows: make(map[string][]time.Time),
	}
}

// NextConnID returns the id the registry would assign to the next
// admitted connection, without consuming it.
func (r *Registry) NextConnID() int64 { return r.nextConnID }

// PruneRateWindow drops entries older than 60s from ip's rate window
// and returns the remaining length — used by the admission controller
// both to evaluate the limit and to keep idle IPs' windows bounded
// (spec.md §4.3 step 8, §9 "pruning on every admission evaluation").
func (r *Registry) PruneRateWindow(ip string, now time.Time) int {
	window := r.rateWindows[ip]
	cut := 0
	for cut < len(window) && now.Sub(window[cut]) > rateWindow {
		cut++
	}
	if cut > 0 {
		window = window[cut:]
	}
	if len(window) == 0 {
		delete(r.rateWindows, ip)
		return 0
	}
	r.rateWindows[ip] = window
	return len(window)
}

// RecordAdmission appends now to ip's rate window — called only after
// every other check has passed (spec.md §4.3 step 8 "append current
// timestamp").
func (r *Registry) RecordAdmission(ip string, now time.Time) {
	r.rateWindows[ip] = append(r.rateWindows[ip], now)
}

// ActiveTotal returns the number of currently active connections.
func (r *Registry) ActiveTotal() int { return len(r.active) }

// ActiveByIP returns the current active count for ip.
func (r *Registry) ActiveByIP(ip string) int { return r.activeByIP[ip] }

// Register allocates a connection id and inserts an active record.
// Callers must have already run every admission check; Register never
// rejects.
func (r *Registry) Register(ruleID int64, clientIP string, listenPort uint16, now time.Time) int64 {
	id := r.nextConnID
	r.nextConnID++

	r.active[id] = &Active{
		ConnID:     id,
		RuleID:     ruleID,
		ClientIP:   clientIP,
		ListenPort: listenPort,
		StartedAt:  now,
		LastUpdate: now,
	}
	r.activeByIP[clientIP]++
	return id
}

// UpdateBytes sets the cumulative byte count for an in-flight
// connection. A no-op if the connection has already been finalized
// (e.g. a late progress tick racing shutdown).
func (r *Registry) UpdateBytes(connID int64, cumulative uint64, now time.Time) {
	conn, ok := r.active[connID]
	if !ok {
		return
	}
	conn.BytesTransferred = cumulative
	conn.LastUpdate = now
}

// Finalize removes the active record for connID and appends a history
// entry. Reason is empty for a clean close. If connID has no active
// record (a pre-admission rejection never created one), Finalize does
// nothing.
func (r *Registry) Finalize(connID int64, bytesUp, bytesDown uint64, reason string, now time.Time) {
	conn, ok := r.active[connID]
	if !ok {
		return
	}
	delete(r.active, connID)
	if n := r.activeByIP[conn.ClientIP]; n <= 1 {
		delete(r.activeByIP, conn.ClientIP)
	} else {
		r.activeByIP[conn.ClientIP] = n - 1
	}

	r.appendHistory(LogEntry{
		ConnID:     connID,
		RuleID:     conn.RuleID,
		ClientIP:   conn.ClientIP,
		ListenPort: conn.ListenPort,
		StartedAt:  conn.StartedAt,
		EndedAt:    now,
		BytesUp:    bytesUp,
		BytesDown:  bytesDown,
		Blocked:    false,
		Reason:     reason,
	})
}

// AppendBlocked records an admission rejection directly into history;
// no active record ever existed for it.
func (r *Registry) AppendBlocked(ruleID int64, listenPort uint16, clientIP, reason string, now time.Time) {
	r.appendHistory(LogEntry{
		RuleID:     ruleID,
		ClientIP:   clientIP,
		ListenPort: listenPort,
		StartedAt:  now,
		EndedAt:    now,
		Blocked:    true,
		Reason:     reason,
	})
}

func (r *Registry) appendHistory(entry LogEntry) {
	r.history = append(r.history, entry)
	if len(r.history) > HistoryLimit {
		r.history = r.history[len(r.history)-HistoryLimit:]
	}
}

// ReadActive returns a snapshot copy of every active connection.
func (r *Registry) ReadActive() []Active {
	out := make([]Active, 0, len(r.active))
	for _, conn := range r.active {
		out = append(out, *conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// ReadRecent returns the last limit non-blocked entries, newest first.
// Default limit is 100 per spec.md §4.7.
func (r *Registry) ReadRecent(limit int) []LogEntry {
	if limit <= 0 {
		limit = 100
	}
	return r.readFiltered(limit, false, true)
}

// ReadBlocked returns the last limit blocked entries, newest first.
// Default limit is 200 per spec.md §4.7.
func (r *Registry) ReadBlocked(limit int) []LogEntry {
	if limit <= 0 {
		limit = 200
	}
	return r.readFiltered(limit, true, true)
}

// ReadHistory returns the trailing limit entries in chronological
// order, regardless of blocked status.
func (r *Registry) ReadHistory(limit int) []LogEntry {
	if limit <= 0 || limit > HistoryLimit {
		limit = HistoryLimit
	}
	start := 0
	if len(r.history) > limit {
		start = len(r.history) - limit
	}
	out := make([]LogEntry, len(r.history)-start)
	copy(out, r.history[start:])
	return out
}

func (r *Registry) readFiltered(limit int, blocked, reverse bool) []LogEntry {
	if limit > HistoryLimit {
		limit = HistoryLimit
	}
	out := make([]LogEntry, 0, limit)
	for i := len(r.history) - 1; i >= 0 && len(out) < limit; i-- {
		if r.history[i].Blocked == blocked {
			out = append(out, r.history[i])
		}
	}
	if !reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// ddosClass matches spec.md §4.3's substring-based classification of
// DDoS-class rejection reasons.
func ddosClass(reason string) bool {
	return strings.Contains(reason, "Rate limit") || strings.Contains(reason, "Too many")
}

// AggregateDDoS groups blocked, DDoS-class history entries by client
// IP and returns them sorted descending by last-seen time (spec.md
// §4.7).
func (r *Registry) AggregateDDoS() []DDoSEntry {
	byIP := make(map[string]*DDoSEntry)
	for _, entry := range r.history {
		if !entry.Blocked || !ddosClass(entry.Reason) {
			continue
		}
		agg, ok := byIP[entry.ClientIP]
		if !ok {
			agg = &DDoSEntry{ClientIP: entry.ClientIP}
			byIP[entry.ClientIP] = agg
		}
		agg.Count++
		if entry.EndedAt.After(agg.LastSeen) {
			agg.LastSeen = entry.EndedAt
			agg.LastReason = entry.Reason
			agg.LastPort = entry.ListenPort
		}
	}

	out := make([]DDoSEntry, 0, len(byIP))
	for _, agg := range byIP {
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.Format(time.RFC3339) > out[j].LastSeen.Format(time.RFC3339)
	})
	return out
}

// LoadHistory replaces the in-memory history with entries recovered
// from a snapshot, preserving FIFO order and the retention cap.
func (r *Registry) LoadHistory(entries []LogEntry) {
	if len(entries) > HistoryLimit {
		entries = entries[len(entries)-HistoryLimit:]
	}
	r.history = append([]LogEntry(nil), entries...)
}

// History returns the full in-memory history slice, for snapshotting.
func (r *Registry) History() []LogEntry {
	return r.history
}
