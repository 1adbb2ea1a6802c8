package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"forwardgate/internal/addrspec"
	"forwardgate/internal/relay"
)

// listenerHandle bundles a listener's cancellation and the goroutine
// serving it (spec.md §3 "Rule listener set").
type listenerHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *listenerHandle) stop() {
	h.cancel()
}

// Engine owns every rule and the listener handles its expansion
// implies. It carries its own mutex, separate from the admission
// path's policy/registry lock (spec.md §9 "an implementation may
// shard by rule or by policy domain") — rule mutation is not a hot
// path and listener bind must happen outside any lock admission holds.
type Engine struct {
	mu         sync.Mutex
	nextRuleID int64
	rules      map[int64]*Rule
	order      []int64 // insertion order, for stable listing
	tcp        map[int64][]*listenerHandle
	udp        map[int64][]*listenerHandle

	sink relay.Sink
}

// NewEngine returns an empty engine. nextRuleID should be
// max(seen ids)+1 recovered from a snapshot load.
func NewEngine(nextRuleID int64, sink relay.Sink) *Engine {
	if nextRuleID < 1 {
		nextRuleID = 1
	}
	return &Engine{
		nextRuleID: nextRuleID,
		rules:      make(map[int64]*Rule),
		tcp:        make(map[int64][]*listenerHandle),
		udp:        make(map[int64][]*listenerHandle),
		sink:       sink,
	}
}

// Create validates and expands the draft, assigns an id, and appends
// the rule. It does not start listeners — the caller is expected to
// persist the freshly-enabled rule first, then call StartListeners,
// per the start-failure ordering in spec.md §4.6 and §9.
func (e *Engine) Create(draft Draft) (Rule, error) {
	if _, err := addrspec.Expand(draft.ListenSpec, draft.TargetSpec); err != nil {
		return Rule{}, err
	}
	if draft.Protocol == "" {
		draft.Protocol = ProtocolTCP
	}
	if _, err := ParseProtocol(string(draft.Protocol)); err != nil {
		return Rule{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextRuleID
	e.nextRuleID++
	rule := &Rule{
		ID:         id,
		ListenSpec: draft.ListenSpec,
		TargetSpec: draft.TargetSpec,
		Enabled:    draft.Enabled,
		CreatedAt:  time.Now().UTC(),
		Protocol:   draft.Protocol,
	}
	e.rules[id] = rule
	e.order = append(e.order, id)
	return *rule, nil
}

// LoadRule restores a rule recovered from a snapshot, without
// starting listeners — the caller starts them explicitly once every
// rule is loaded.
func (e *Engine) LoadRule(rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := rule
	e.rules[rule.ID] = &cp
	e.order = append(e.order, rule.ID)
}

// Get returns a copy of the rule with the given id.
func (e *Engine) Get(id int64) (Rule, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[id]
	if !ok {
		return Rule{}, false
	}
	return *r, ok
}

// List returns every rule in creation order.
func (e *Engine) List() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := append([]int64(nil), e.order...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Rule, 0, len(ids))
	for _, id := range ids {
		if r, ok := e.rules[id]; ok {
			out = append(out, *r)
		}
	}
	return out
}

// StartListeners binds every listener the rule's expanded spec
// implies. Binding happens with the engine's mutex NOT held (spec.md
// §5 "listener bind itself happens outside the lock"); only the
// resulting handle-map mutation is guarded. On partial failure every
// listener this call started is torn down, the rule is forced
// disabled, and the error is returned for the caller to persist.
func (e *Engine) StartListeners(id int64) error {
	e.mu.Lock()
	rule, ok := e.rules[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("rule %d not found", id)
	}

	targets, err := addrspec.Expand(rule.ListenSpec, rule.TargetSpec)
	if err != nil {
		e.forceDisable(id)
		return err
	}

	var started []*listenerHandle
	var startedKind []bool // true = tcp

	teardown := func() {
		for _, h := range started {
			h.stop()
		}
	}

	if rule.Protocol.UsesTCP() {
		for _, t := range targets {
			ctx, cancel := context.WithCancel(context.Background())
			ln, err := relay.ListenTCP(t.ListenAddr, t.ListenPort, t.TargetAddr, id, e.sink)
			if err != nil {
				cancel()
				teardown()
				e.forceDisable(id)
				return fmt.Errorf("bind tcp %s: %w", t.ListenAddr, err)
			}
			done := make(chan struct{})
			go func() {
				ln.Serve(ctx)
				close(done)
			}()
			h := &listenerHandle{cancel: cancel, done: done}
			started = append(started, h)
			startedKind = append(startedKind, true)
		}
	}

	if rule.Protocol.UsesUDP() {
		for _, t := range targets {
			ctx, cancel := context.WithCancel(context.Background())
			ln, err := relay.ListenUDP(t.ListenAddr, t.ListenPort, t.TargetAddr, id, e.sink)
			if err != nil {
				cancel()
				teardown()
				e.forceDisable(id)
				return fmt.Errorf("bind udp %s: %w", t.ListenAddr, err)
			}
			done := make(chan struct{})
			go func() {
				ln.Serve(ctx)
				close(done)
			}()
			h := &listenerHandle{cancel: cancel, done: done}
			started = append(started, h)
			startedKind = append(startedKind, false)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i, h := range started {
		if startedKind[i] {
			e.tcp[id] = append(e.tcp[id], h)
		} else {
			e.udp[id] = append(e.udp[id], h)
		}
	}
	return nil
}

func (e *Engine) forceDisable(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.rules[id]; ok {
		r.Enabled = false
	}
}

// StopListeners cancels and removes every listener handle for id.
// Cancellation aborts accept loops and per-connection/session tasks
// (spec.md §4.6 "without requiring idle traffic"); this call does not
// block on their exit.
func (e *Engine) StopListeners(id int64) {
	e.mu.Lock()
	tcpHandles := e.tcp[id]
	udpHandles := e.udp[id]
	delete(e.tcp, id)
	delete(e.udp, id)
	e.mu.Unlock()

	for _, h := range tcpHandles {
		h.stop()
	}
	for _, h := range udpHandles {
		h.stop()
	}
}

// Update applies patch to the rule, restarting listeners as needed:
// if the rule was enabled its listeners are stopped first; if the
// resulting state is enabled, listeners are (re)started through
// StartListeners, whose start-failure handling tears down partial
// listeners and forces the rule disabled.
func (e *Engine) Update(id int64, patch Patch) (Rule, error) {
	e.mu.Lock()
	rule, ok := e.rules[id]
	if !ok {
		e.mu.Unlock()
		return Rule{}, fmt.Errorf("rule %d not found", id)
	}
	wasEnabled := rule.Enabled
	e.mu.Unlock()

	if wasEnabled {
		e.StopListeners(id)
	}

	e.mu.Lock()
	rule, ok = e.rules[id]
	if !ok {
		e.mu.Unlock()
		return Rule{}, fmt.Errorf("rule %d not found", id)
	}
	if patch.ListenSpec != nil {
		rule.ListenSpec = *patch.ListenSpec
	}
	if patch.TargetSpec != nil {
		rule.TargetSpec = *patch.TargetSpec
	}
	if patch.Protocol != nil {
		rule.Protocol = *patch.Protocol
	}
	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	if _, err := addrspec.Expand(rule.ListenSpec, rule.TargetSpec); err != nil {
		e.mu.Unlock()
		return Rule{}, err
	}
	result := *rule
	e.mu.Unlock()

	if result.Enabled {
		if err := e.StartListeners(id); err != nil {
			r, _ := e.Get(id)
			return r, err
		}
	}
	return e.mustGet(id), nil
}

// Enable turns a rule on and starts its listeners.
func (e *Engine) Enable(id int64) (Rule, error) {
	enabled := true
	return e.Update(id, Patch{Enabled: &enabled})
}

// Disable turns a rule off and stops its listeners.
func (e *Engine) Disable(id int64) (Rule, error) {
	enabled := false
	return e.Update(id, Patch{Enabled: &enabled})
}

// Delete stops a rule's listeners and removes it.
func (e *Engine) Delete(id int64) error {
	e.StopListeners(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("rule %d not found", id)
	}
	delete(e.rules, id)
	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

func (e *Engine) mustGet(id int64) Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.rules[id]
}

// NextRuleID returns the id that would be assigned to the next
// created rule, without consuming it — used for snapshot bookkeeping.
func (e *Engine) NextRuleID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextRuleID
}

// Shutdown cancels every listener for every rule and waits up to
// timeout for their accept loops to actually exit (spec.md §5
// "Graceful shutdown ... awaits a bounded time, then exits").
func (e *Engine) Shutdown(timeout time.Duration) {
	e.mu.Lock()
	ids := append([]int64(nil), e.order...)
	var dones []chan struct{}
	for _, id := range ids {
		for _, h := range e.tcp[id] {
			dones = append(dones, h.done)
		}
		for _, h := range e.udp[id] {
			dones = append(dones, h.done)
		}
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.StopListeners(id)
	}

	deadline := time.After(timeout)
	for _, done := range dones {
		select {
		case <-done:
		case <-deadline:
			return
		}
	}
}
