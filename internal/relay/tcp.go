package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// tcpCopyBufferSize matches the teacher's and the original source's
// fixed 8 KiB relay buffer.
const tcpCopyBufferSize = 8192

// byteUpdateInterval and byteUpdateBoundary are the two triggers for
// publishing a connection's progress (spec.md §4.4): at most every
// 100ms, or whenever the direction-local counter crosses a 1 MiB
// boundary — whichever is sooner.
const (
	byteUpdateInterval  = 100 * time.Millisecond
	byteUpdateBoundary  = 1 << 20
)

// TCPListener serves one expanded (bind, target) pair for the
// lifetime of its context. Cancel to stop the accept loop; in-flight
// connections are interrupted by closing the underlying listener and,
// best-effort, their sockets.
type TCPListener struct {
	ln         net.Listener
	listenPort uint16
	targetAddr string
	ruleID     int64
	sink       Sink

	wg sync.WaitGroup
}

// ListenTCP binds listenAddr and returns a TCPListener ready to Serve.
// Binding happens here, outside any state lock, matching spec.md §5.
func ListenTCP(listenAddr string, listenPort uint16, targetAddr string, ruleID int64, sink Sink) (*TCPListener, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln, listenPort: listenPort, targetAddr: targetAddr, ruleID: ruleID, sink: sink}, nil
}

// Serve runs the accept loop until ctx is cancelled. It blocks until
// every per-connection task it spawned has returned.
func (l *TCPListener) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				l.wg.Wait()
				return
			default:
				continue
			}
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

func (l *TCPListener) handle(ctx context.Context, inbound net.Conn) {
	host, _, err := net.SplitHostPort(inbound.RemoteAddr().String())
	if err != nil {
		host = inbound.RemoteAddr().String()
	}
	localPort := l.listenPort
	if tcpAddr, ok := inbound.LocalAddr().(*net.TCPAddr); ok {
		localPort = uint16(tcpAddr.Port)
	}

	connID, ok, reason := l.sink.Admit(l.ruleID, host, localPort)
	if !ok {
		l.sink.AppendBlocked(l.ruleID, localPort, host, reason)
		inbound.Close()
		return
	}

	dialer := net.Dialer{}
	outbound, err := dialer.DialContext(ctx, "tcp", l.targetAddr)
	if err != nil {
		inbound.Close()
		l.sink.Finalize(connID, 0, 0, fmt.Sprintf("Target connect failed: %s", err))
		return
	}

	go func() {
		<-ctx.Done()
		inbound.Close()
		outbound.Close()
	}()

	bytesUp, bytesDown, copyErr := copyBidirectional(inbound, outbound, l.sink, connID)
	reasonStr := ""
	if copyErr != nil {
		reasonStr = copyErr.Error()
	}
	l.sink.Finalize(connID, bytesUp, bytesDown, reasonStr)
}

// copyBidirectional runs both half-duplex pumps concurrently and
// returns each direction's final byte count. The first pump to finish
// (EOF or error) closes both sockets so the other unblocks (spec.md
// §4.4 "stop both pumps"). The closed-socket error that this close
// causes in the other pump is not reported as the connection's error.
func copyBidirectional(inbound, outbound net.Conn, sink Sink, connID int64) (bytesUp, bytesDown uint64, err error) {
	var up, down atomic.Uint64
	var firstErr atomic.Pointer[error]
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, pumpErr := pump(inbound, outbound, &up, sink, connID)
		up.Store(n)
		if pumpErr != nil && !errors.Is(pumpErr, net.ErrClosed) {
			firstErr.CompareAndSwap(nil, &pumpErr)
		}
		outbound.Close()
	}()

	go func() {
		defer wg.Done()
		n, pumpErr := pump(outbound, inbound, &down, sink, connID)
		down.Store(n)
		if pumpErr != nil && !errors.Is(pumpErr, net.ErrClosed) {
			firstErr.CompareAndSwap(nil, &pumpErr)
		}
		inbound.Close()
	}()

	wg.Wait()

	if p := firstErr.Load(); p != nil {
		err = *p
	}
	return up.Load(), down.Load(), err
}

// pump copies from src to dst, reporting this direction's running byte
// total through sink.UpdateBytes at the cadence spec.md §4.4 requires. It
// returns the total bytes copied and nil on a clean EOF.
func pump(src, dst net.Conn, directionTotal *atomic.Uint64, sink Sink, connID int64) (uint64, error) {
	buf := make([]byte, tcpCopyBufferSize)
	var total uint64
	lastUpdate := time.Now()

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return total, writeErr
			}
			total += uint64(n)
			directionTotal.Store(total)

			crossedBoundary := total%byteUpdateBoundary < uint64(n)
			if time.Since(lastUpdate) >= byteUpdateInterval || crossedBoundary {
				sink.UpdateBytes(connID, total)
				lastUpdate = time.Now()
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return total, nil
			}
			return total, readErr
		}
	}
}
