package rules

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"forwardgate/internal/relay"
)

type fakeSink struct{}

func (fakeSink) Admit(int64, string, uint16) (int64, bool, string) { return 1, true, "" }
func (fakeSink) UpdateBytes(int64, uint64)                          {}
func (fakeSink) Finalize(int64, uint64, uint64, string)             {}
func (fakeSink) AppendBlocked(int64, uint16, string, string)        {}

var _ relay.Sink = fakeSink{}

// freeTCPAddr returns a loopback host:port whose port the OS just handed
// out and released, for tests that bind a rule's listener (the address
// expander rejects port 0).
func freeTCPAddr(t *testing.T) string {
	t.Helper()
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())
	return addr
}

func TestCreateAssignsIncreasingIDs(t *testing.T) {
	e := NewEngine(1, fakeSink{})
	a, err := e.Create(Draft{ListenSpec: "127.0.0.1:7000", TargetSpec: "127.0.0.1:80", Protocol: ProtocolTCP})
	require.NoError(t, err)
	b, err := e.Create(Draft{ListenSpec: "127.0.0.1:7000", TargetSpec: "127.0.0.1:80", Protocol: ProtocolTCP})
	require.NoError(t, err)
	require.Equal(t, a.ID+1, b.ID)
}

func TestCreateDefaultsToTCPProtocol(t *testing.T) {
	e := NewEngine(1, fakeSink{})
	rule, err := e.Create(Draft{ListenSpec: "127.0.0.1:7000", TargetSpec: "127.0.0.1:80"})
	require.NoError(t, err)
	require.Equal(t, ProtocolTCP, rule.Protocol)
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	e := NewEngine(1, fakeSink{})
	_, err := e.Create(Draft{ListenSpec: "not-an-address", TargetSpec: "127.0.0.1:80"})
	require.Error(t, err)
}

func TestStartListenersBindsEphemeralTCPPort(t *testing.T) {
	e := NewEngine(1, fakeSink{})
	rule, err := e.Create(Draft{ListenSpec: freeTCPAddr(t), TargetSpec: "127.0.0.1:1", Protocol: ProtocolTCP})
	require.NoError(t, err)

	err = e.StartListeners(rule.ID)
	require.NoError(t, err)

	e.StopListeners(rule.ID)
}

func TestUpdateStopsAndRestartsListeners(t *testing.T) {
	e := NewEngine(1, fakeSink{})
	rule, err := e.Create(Draft{ListenSpec: freeTCPAddr(t), TargetSpec: "127.0.0.1:1", Protocol: ProtocolTCP, Enabled: true})
	require.NoError(t, err)
	require.NoError(t, e.StartListeners(rule.ID))

	// StopListeners does not wait for the old listener to close, so the
	// restarted listener binds a different free port.
	newListen := freeTCPAddr(t)
	newTarget := "127.0.0.1:2"
	updated, err := e.Update(rule.ID, Patch{ListenSpec: &newListen, TargetSpec: &newTarget, Enabled: boolPtr(true)})
	require.NoError(t, err)
	require.Equal(t, newTarget, updated.TargetSpec)

	e.StopListeners(rule.ID)
}

func TestDeleteRemovesRule(t *testing.T) {
	e := NewEngine(1, fakeSink{})
	rule, err := e.Create(Draft{ListenSpec: "127.0.0.1:7000", TargetSpec: "127.0.0.1:1", Protocol: ProtocolTCP})
	require.NoError(t, err)

	require.NoError(t, e.Delete(rule.ID))
	_, ok := e.Get(rule.ID)
	require.False(t, ok)
}

func TestDeleteUnknownRuleErrors(t *testing.T) {
	e := NewEngine(1, fakeSink{})
	require.Error(t, e.Delete(999))
}

func TestShutdownReturnsPromptlyWithNoListeners(t *testing.T) {
	e := NewEngine(1, fakeSink{})
	done := make(chan struct{})
	go func() {
		e.Shutdown(time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}

func boolPtr(b bool) *bool { return &b }
