// Command proxy-adapter is a transparent TCP relay that drives the
// session/adapter core (internal/session) against real sockets instead of a
// bare byte copy: it recovers the pre-NAT destination the way a transparent
// proxy does, admits a session for it, and lets the adapter inject the
// PROXY v2 header ahead of the client's own bytes on the upstream
// connection.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/appnet-org/proxyv2-adapter/internal/bufpool"
	"github.com/appnet-org/proxyv2-adapter/internal/controlframe"
	"github.com/appnet-org/proxyv2-adapter/internal/idgen"
	"github.com/appnet-org/proxyv2-adapter/internal/logging"
	"github.com/appnet-org/proxyv2-adapter/internal/proxyv2"
	"github.com/appnet-org/proxyv2-adapter/internal/router"
	"github.com/appnet-org/proxyv2-adapter/internal/session"
)

// initialWindowCredit is the budget granted to each direction right after
// admission. The real nucleus renegotiates this over time; this demo grants
// a single large allowance up front since its purpose is to exercise the
// adapter against real sockets, not to reproduce a full credit-renegotiation
// loop.
const initialWindowCredit = 1 << 24

const defaultRouteID = "default"

// streamConfig caps both halves' windows at exactly the credit this demo
// primes them with, so a future change to the priming amount can't silently
// let a peer's Window grant drive a budget past what this relay actually
// intends to extend.
var streamConfig = session.Config{MaxWindow: initialWindowCredit}

func main() {
	port := 15002
	if len(os.Args) > 1 {
		fmt.Sscanf(os.Args[1], "%d", &port)
	}

	logging.Info("starting proxy-adapter", zap.Int("port", port))

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		logging.Fatal("failed to listen", zap.Int("port", port), zap.Error(err))
	}
	defer listener.Close()

	routes := router.New()
	routes.AddRoute(router.Route{ID: defaultRouteID})
	ids := idgen.NewTimeSupplier()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down proxy-adapter")
		listener.Close()
		os.Exit(0)
	}()

	for {
		clientConn, err := listener.Accept()
		if err != nil {
			logging.Warn("accept error", zap.Error(err))
			continue
		}
		go func() {
			if err := handleConnection(clientConn, routes, ids); err != nil {
				logging.Warn("connection handling failed", zap.Error(err))
			}
		}()
	}
}

// handleConnection admits one session per client connection: it resolves
// the pre-NAT destination, dials it, admits both the initial (app-facing)
// and reply (net-facing) halves, primes both directions with a window, and
// pumps bytes in both directions through the adapter.
func handleConnection(clientConn net.Conn, routes *router.Table, ids idgen.Supplier) error {
	defer clientConn.Close()

	origDst, err := getOriginalDestination(clientConn)
	if err != nil {
		return fmt.Errorf("resolving original destination: %w", err)
	}

	upstreamConn, err := net.Dial("tcp", origDst)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", origDst, err)
	}
	defer upstreamConn.Close()

	logging.Info("admitting session",
		zap.String("client", clientConn.RemoteAddr().String()), zap.String("upstream", origDst))

	appSink := &connSink{conn: clientConn}
	netSink := &connSink{conn: upstreamConn}
	pool := bufpool.New()

	ex, err := addressFromConn(clientConn, origDst)
	if err != nil {
		return fmt.Errorf("building begin extension: %w", err)
	}

	initialID := ids.SupplyInitialID(defaultRouteID)
	replyID := ids.SupplyReplyID(initialID)

	scratch := controlframe.NewScratch()
	_, buf, off, n := scratch.BuildBegin(&controlframe.Begin{
		StreamID: initialID, RouteID: defaultRouteID, BeginEx: session.EncodeBeginEx(ex),
	})
	appHandler, err := session.NewStreamWithConfig(buf, off, n, appSink, netSink, routes, ids, pool, streamConfig)
	if err != nil {
		return fmt.Errorf("admitting initial stream: %w", err)
	}
	if appHandler == nil {
		return fmt.Errorf("no route for %q", defaultRouteID)
	}

	scratch = controlframe.NewScratch()
	_, buf, off, n = scratch.BuildBegin(&controlframe.Begin{StreamID: replyID})
	netHandler, err := session.NewStreamWithConfig(buf, off, n, appSink, netSink, routes, ids, pool, streamConfig)
	if err != nil {
		return fmt.Errorf("admitting reply stream: %w", err)
	}
	if netHandler == nil {
		return fmt.Errorf("correlation miss on reply stream %d", replyID)
	}

	if err := netHandler.OnWindow(&controlframe.Window{StreamID: replyID, Credit: initialWindowCredit}); err != nil {
		return fmt.Errorf("priming net window: %w", err)
	}
	if err := appHandler.OnWindow(&controlframe.Window{StreamID: initialID, Credit: initialWindowCredit}); err != nil {
		return fmt.Errorf("priming app window: %w", err)
	}

	var g errgroup.Group
	g.Go(func() error { return pump(clientConn, initialID, appHandler) })
	g.Go(func() error { return pump(upstreamConn, replyID, netHandler) })
	return g.Wait()
}

// pump reads from conn and forwards each chunk into the adapter as Data on
// streamID, until EOF or an error, then signals End.
func pump(conn net.Conn, streamID uint64, h controlframe.Handler) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if sendErr := h.OnData(&controlframe.Data{StreamID: streamID, Reserved: uint32(n), Payload: chunk}); sendErr != nil {
				return sendErr
			}
		}
		if err != nil {
			if err == io.EOF {
				return h.OnEnd(&controlframe.End{StreamID: streamID})
			}
			return h.OnAbort(&controlframe.Abort{StreamID: streamID})
		}
	}
}

// connSink adapts a net.Conn into a controlframe.Handler: Data is written
// to the socket, End/Abort/Reset manage its lifecycle, and Begin and the
// control-only frames this leaf never needs to act on are no-ops.
type connSink struct {
	conn net.Conn
}

func (c *connSink) OnBegin(*controlframe.Begin) error { return nil }

func (c *connSink) OnData(d *controlframe.Data) error {
	_, err := c.conn.Write(d.Payload)
	return err
}

func (c *connSink) OnEnd(*controlframe.End) error {
	if tc, ok := c.conn.(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}

func (c *connSink) OnAbort(*controlframe.Abort) error         { return c.conn.Close() }
func (c *connSink) OnFlush(*controlframe.Flush) error         { return nil }
func (c *connSink) OnWindow(*controlframe.Window) error       { return nil }
func (c *connSink) OnReset(*controlframe.Reset) error         { return c.conn.Close() }
func (c *connSink) OnChallenge(*controlframe.Challenge) error { return nil }

// addressFromConn builds the PROXY v2 address tuple from the client's
// observed remote address and the resolved original destination, grounded
// on the teacher's getOriginalDestination parsing of SO_ORIGINAL_DST.
func addressFromConn(clientConn net.Conn, origDst string) (*proxyv2.BeginEx, error) {
	srcHost, srcPortStr, err := net.SplitHostPort(clientConn.RemoteAddr().String())
	if err != nil {
		return nil, err
	}
	dstHost, dstPortStr, err := net.SplitHostPort(origDst)
	if err != nil {
		return nil, err
	}

	srcIP := net.ParseIP(srcHost).To4()
	dstIP := net.ParseIP(dstHost).To4()
	if srcIP == nil || dstIP == nil {
		return nil, fmt.Errorf("only IPv4 addresses are supported by this demo")
	}

	var srcPort, dstPort uint16
	if _, err := fmt.Sscanf(srcPortStr, "%d", &srcPort); err != nil {
		return nil, err
	}
	if _, err := fmt.Sscanf(dstPortStr, "%d", &dstPort); err != nil {
		return nil, err
	}

	return &proxyv2.BeginEx{Address: proxyv2.Address{
		Family: proxyv2.FamilyInet, Protocol: proxyv2.ProtoStream,
		SrcIP: srcIP, DstIP: dstIP, SrcPort: srcPort, DstPort: dstPort,
	}}, nil
}

// getOriginalDestination recovers the pre-NAT destination of a connection
// redirected by iptables REDIRECT, via SO_ORIGINAL_DST. Grounded verbatim
// on the teacher's cmd/bytes-relay-proxy implementation.
func getOriginalDestination(conn net.Conn) (string, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return "", fmt.Errorf("not a TCP connection")
	}

	file, err := tcpConn.File()
	if err != nil {
		return "", fmt.Errorf("failed to get file descriptor: %w", err)
	}
	defer file.Close()

	fd := file.Fd()

	var sockaddr [128]byte
	size := uint32(len(sockaddr))

	err = getSockopt(int(fd), syscall.IPPROTO_IP, unix.SO_ORIGINAL_DST,
		unsafe.Pointer(&sockaddr[0]), &size)
	if err != nil {
		return "", fmt.Errorf("SO_ORIGINAL_DST failed: %w", err)
	}
	if size < 8 {
		return "", fmt.Errorf("invalid sockaddr size: %d", size)
	}

	family := uint16(sockaddr[0]) | uint16(sockaddr[1])<<8
	if family != syscall.AF_INET {
		return "", fmt.Errorf("unsupported address family: %d", family)
	}

	port := uint16(sockaddr[2])<<8 | uint16(sockaddr[3])
	ip := net.IPv4(sockaddr[4], sockaddr[5], sockaddr[6], sockaddr[7])

	return fmt.Sprintf("%s:%d", ip.String(), port), nil
}

func getSockopt(s, level, name int, val unsafe.Pointer, vallen *uint32) error {
	_, _, e1 := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(s),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(vallen)),
		0,
	)
	if e1 != 0 {
		return e1
	}
	return nil
}
