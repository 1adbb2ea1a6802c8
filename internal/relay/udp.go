package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// udpBufferSize is the maximum UDP payload (spec.md §4.5).
const udpBufferSize = 65507

// udpIdleTimeout and udpIdleTick govern the idle sweeper: a session
// with no traffic for more than udpIdleTimeout is retired, checked
// every udpIdleTick.
const (
	udpIdleTimeout = 60 * time.Second
	udpIdleTick    = 5 * time.Second
)

type udpSession struct {
	connID   int64
	upstream *net.UDPConn
	lastSeen atomic.Int64 // unix nanos, updated from both directions
	bytesUp  atomic.Uint64
	bytesDown atomic.Uint64
}

// UDPListener serves one expanded (bind, target) pair, synthesizing a
// pseudo-session per source address (spec.md §4.5).
type UDPListener struct {
	conn       *net.UDPConn
	listenPort uint16
	targetAddr string
	ruleID     int64
	sink       Sink

	mu       sync.Mutex
	sessions map[string]*udpSession

	wg sync.WaitGroup
}

// ListenUDP binds listenAddr. Binding happens outside any state lock.
func ListenUDP(listenAddr string, listenPort uint16, targetAddr string, ruleID int64, sink Sink) (*UDPListener, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &UDPListener{
		conn:       conn,
		listenPort: listenPort,
		targetAddr: targetAddr,
		ruleID:     ruleID,
		sink:       sink,
		sessions:   make(map[string]*udpSession),
	}, nil
}

// Serve runs the inbound read loop until ctx is cancelled, tearing
// down every session it owns on exit.
func (l *UDPListener) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, udpBufferSize)
	for {
		n, clientAddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				l.teardownAll()
				l.wg.Wait()
				return
			default:
				continue
			}
		}
		l.handleDatagram(ctx, clientAddr, append([]byte(nil), buf[:n]...))
	}
}

func (l *UDPListener) handleDatagram(ctx context.Context, clientAddr *net.UDPAddr, payload []byte) {
	key := clientAddr.String()

	l.mu.Lock()
	sess, exists := l.sessions[key]
	l.mu.Unlock()

	if !exists {
		clientIP := clientAddr.IP.String()
		connID, ok, reason := l.sink.Admit(l.ruleID, clientIP, l.listenPort)
		if !ok {
			l.sink.AppendBlocked(l.ruleID, l.listenPort, clientIP, reason)
			return
		}

		upstreamAddr, err := net.ResolveUDPAddr("udp", l.targetAddr)
		if err != nil {
			l.sink.Finalize(connID, 0, 0, "UDP resolve failed: "+err.Error())
			return
		}
		upstream, err := net.DialUDP("udp", nil, upstreamAddr)
		if err != nil {
			l.sink.Finalize(connID, 0, 0, "UDP connect failed: "+err.Error())
			return
		}

		newSess := &udpSession{connID: connID, upstream: upstream}
		newSess.lastSeen.Store(time.Now().UnixNano())

		l.mu.Lock()
		if _, raced := l.sessions[key]; raced {
			// Lost the race to a concurrent admission: drop our
			// socket and the datagram, the existing entry wins
			// (spec.md §4.5).
			l.mu.Unlock()
			upstream.Close()
			l.sink.Finalize(connID, 0, 0, "")
			return
		} else {
			l.sessions[key] = newSess
			l.mu.Unlock()
			sess = newSess
			l.wg.Add(1)
			go l.serveSession(ctx, key, clientAddr, newSess)
		}
	}

	if _, err := sess.upstream.Write(payload); err != nil {
		return
	}
	sess.bytesUp.Add(uint64(len(payload)))
	sess.lastSeen.Store(time.Now().UnixNano())
}

// serveSession owns the return path for one client: reads upstream
// replies and forwards them, and runs the idle sweeper.
func (l *UDPListener) serveSession(ctx context.Context, key string, clientAddr *net.UDPAddr, sess *udpSession) {
	defer l.wg.Done()

	done := make(chan struct{})
	go func() {
		buf := make([]byte, udpBufferSize)
		for {
			n, err := sess.upstream.Read(buf)
			if err != nil {
				close(done)
				return
			}
			if _, werr := l.conn.WriteToUDP(buf[:n], clientAddr); werr != nil {
				close(done)
				return
			}
			sess.bytesDown.Add(uint64(n))
			sess.lastSeen.Store(time.Now().UnixNano())
		}
	}()

	ticker := time.NewTicker(udpIdleTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.retire(key, sess, "")
			return
		case <-done:
			l.retire(key, sess, "")
			return
		case <-ticker.C:
			last := time.Unix(0, sess.lastSeen.Load())
			if time.Since(last) > udpIdleTimeout {
				l.retire(key, sess, "")
				return
			}
		}
	}
}

func (l *UDPListener) retire(key string, sess *udpSession, reason string) {
	l.mu.Lock()
	if current, ok := l.sessions[key]; ok && current == sess {
		delete(l.sessions, key)
	} else {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	sess.upstream.Close()
	l.sink.Finalize(sess.connID, sess.bytesUp.Load(), sess.bytesDown.Load(), reason)
}

func (l *UDPListener) teardownAll() {
	l.mu.Lock()
	keys := make([]string, 0, len(l.sessions))
	sessions := make([]*udpSession, 0, len(l.sessions))
	for k, s := range l.sessions {
		keys = append(keys, k)
		sessions = append(sessions, s)
	}
	l.mu.Unlock()

	for i, key := range keys {
		l.retire(key, sessions[i], "")
	}
}
