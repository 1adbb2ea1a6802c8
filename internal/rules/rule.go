// Package rules owns forwarding rule lifecycle and the listener
// handles each rule implies (spec.md §4.6).
package rules

import (
	"fmt"
	"strings"
	"time"
)

// Protocol selects which data-plane listeners a rule starts.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolBoth Protocol = "both"
)

// ParseProtocol validates an operator-supplied protocol string against
// the closed enum the original source (protocol.rs) defines.
func ParseProtocol(raw string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(raw))) {
	case ProtocolTCP:
		return ProtocolTCP, nil
	case ProtocolUDP:
		return ProtocolUDP, nil
	case ProtocolBoth:
		return ProtocolBoth, nil
	default:
		return "", fmt.Errorf("invalid protocol %q: must be tcp, udp, or both", raw)
	}
}

// UsesTCP and UsesUDP report which listener families a protocol implies.
func (p Protocol) UsesTCP() bool { return p == ProtocolTCP || p == ProtocolBoth }
func (p Protocol) UsesUDP() bool { return p == ProtocolUDP || p == ProtocolBoth }

// Rule is an operator-defined forwarding entry (spec.md §3).
type Rule struct {
	ID         int64
	ListenSpec string
	TargetSpec string
	Enabled    bool
	CreatedAt  time.Time
	Protocol   Protocol
}

// Draft is the operator-supplied payload for rule creation.
type Draft struct {
	ListenSpec string
	TargetSpec string
	Protocol   Protocol
	Enabled    bool
}

// Patch carries optional field updates for Engine.Update; nil fields
// are left unchanged.
type Patch struct {
	ListenSpec *string
	TargetSpec *string
	Protocol   *Protocol
	Enabled    *bool
}
