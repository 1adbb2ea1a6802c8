package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type blockingSink struct {
	mu      sync.Mutex
	blocked int
}

func (s *blockingSink) Admit(ruleID int64, clientIP string, listenPort uint16) (int64, bool, string) {
	return 0, false, "Blocked by rule"
}

func (s *blockingSink) UpdateBytes(connID int64, cumulative uint64) {}

func (s *blockingSink) Finalize(connID int64, bytesUp, bytesDown uint64, reason string) {}

func (s *blockingSink) AppendBlocked(ruleID int64, listenPort uint16, clientIP, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked++
}

func TestUDPListenerForwardsDatagramRoundTrip(t *testing.T) {
	echoAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	echoConn, err := net.ListenUDP("udp", echoAddr)
	require.NoError(t, err)
	defer echoConn.Close()

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := echoConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echoConn.WriteToUDP(buf[:n], addr)
		}
	}()

	sink := &recordingSink{}
	ln, err := ListenUDP("127.0.0.1:0", 9100, echoConn.LocalAddr().String(), 1, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)

	client, err := net.Dial("udp", ln.conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	payload := []byte("ping")
	_, err = client.Write(payload)
	require.NoError(t, err)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(payload))
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.admitted == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUDPListenerBlockedDatagramIsNotAdmitted(t *testing.T) {
	sink := &blockingSink{}
	ln, err := ListenUDP("127.0.0.1:0", 9101, "127.0.0.1:1", 1, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ln.Serve(ctx)

	client, err := net.Dial("udp", ln.conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.blocked == 1
	}, time.Second, 10*time.Millisecond)

	ln.mu.Lock()
	sessionCount := len(ln.sessions)
	ln.mu.Unlock()
	require.Equal(t, 0, sessionCount)
}
