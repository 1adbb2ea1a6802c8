// Package relay implements the data plane: the TCP accept/copy loop
// (spec.md §4.4) and the UDP pseudo-session relay (spec.md §4.5). It
// never touches policy or history storage directly — it only knows
// about the Sink interface, so listener code holds a capability to
// call into the core's registry, never ownership of it (spec.md §9
// "Ownership of listeners").
package relay

// Sink is the capability a listener needs from the core: admission,
// progress updates and finalization. Implemented by internal/core.Core.
type Sink interface {
	// Admit runs the full admission decision (spec.md §4.3) and, on
	// success, registers the connection. ok=false means rejected;
	// reason explains why and connID is meaningless.
	Admit(ruleID int64, clientIP string, listenPort uint16) (connID int64, ok bool, reason string)

	// UpdateBytes reports a new cumulative byte count for an in-flight
	// connection.
	UpdateBytes(connID int64, cumulative uint64)

	// Finalize closes out a connection that was admitted: reason is
	// empty for a clean close, or an error string otherwise.
	Finalize(connID int64, bytesUp, bytesDown uint64, reason string)

	// AppendBlocked records a rejection that never got an active
	// record (the admission itself failed).
	AppendBlocked(ruleID int64, listenPort uint16, clientIP, reason string)
}
