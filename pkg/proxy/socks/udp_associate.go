package socks

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"driftproxy/pkg/proxy/session"
)

// resolveUDPTimeout bounds one hostname lookup inside the datagram
// path.
const resolveUDPTimeout = 5 * time.Second

// udpAssociation is the relay state behind one UDP ASSOCIATE command.
// The TCP control connection owns its lifetime: when that connection
// closes, or the association sits idle past its expiry, both sockets
// close and the relay goroutines drain out.
type udpAssociation struct {
	sess *session.Session
	log  zerolog.Logger

	// clientSock faces the SOCKS client, targetSock faces the wider
	// network. Splitting them keeps the client port stable while
	// replies from any number of targets funnel through one socket.
	clientSock *net.UDPConn
	targetSock *net.UDPConn

	// clientIP comes from the control connection peer and is the only
	// source the relay accepts datagrams from. clientPort starts as
	// the port the client declared in the request; a declared port of
	// zero means the client did not know it yet, so the first datagram
	// fixes it.
	clientIP   net.IP
	clientPort atomic.Uint32

	// idle counts down in seconds; any datagram in either direction
	// resets it.
	idle atomic.Int64

	closeOnce sync.Once
}

// handleUDPAssociate processes the SOCKS5 UDP ASSOCIATE command. It
// binds a fresh UDP port, reports it in the reply, and relays framed
// datagrams between the client and its targets until the control
// connection closes or the association expires.
//
// The command format follows RFC 1928 Section 4, the datagram framing
// Section 7.
func handleUDPAssociate(sess *session.Session, declaredHost string, declaredPort uint16) {
	controlPeer, ok := sess.Client.RemoteAddr().(*net.TCPAddr)
	if !ok {
		sendReplyV5(sess, GeneralFailure, "", 0)
		return
	}

	clientSock, err := net.ListenUDP("udp", nil)
	if err != nil {
		sendReplyV5(sess, GeneralFailure, "", 0)
		return
	}
	targetSock, err := net.ListenUDP("udp", nil)
	if err != nil {
		clientSock.Close()
		sendReplyV5(sess, GeneralFailure, "", 0)
		return
	}

	assoc := &udpAssociation{
		sess: sess,
		log: sess.Log.With().
			Str("association", uuid.NewString()).
			Logger(),
		clientSock: clientSock,
		targetSock: targetSock,
		clientIP:   controlPeer.IP,
	}
	assoc.clientPort.Store(uint32(declaredPort))
	assoc.resetIdle()

	// The client reaches the relay at the same address it reached the
	// control port, so the reply carries the control connection's
	// local IP with the fresh UDP port.
	bndHost := ""
	if local, ok := sess.Client.LocalAddr().(*net.TCPAddr); ok {
		bndHost = local.IP.String()
	}
	bndPort := uint16(clientSock.LocalAddr().(*net.UDPAddr).Port)
	if err := sendReplyV5(sess, Succeeded, bndHost, bndPort); err != nil {
		assoc.close()
		return
	}

	assoc.log.Info().
		Str("declared", JoinHostPort(declaredHost, declaredPort)).
		Uint16("relay_port", bndPort).
		Msg("UDP association established")

	go assoc.clientLoop()
	go assoc.targetLoop()
	go assoc.expireLoop()

	// The control connection carries no further requests; its EOF is
	// the teardown signal.
	var drain [1]byte
	for {
		if _, err := sess.Client.Read(drain[:]); err != nil {
			break
		}
	}
	assoc.close()
	assoc.log.Debug().Msg("UDP association closed")
}

func (a *udpAssociation) close() {
	a.closeOnce.Do(func() {
		a.clientSock.Close()
		a.targetSock.Close()
	})
}

func (a *udpAssociation) resetIdle() {
	expiry := a.sess.Opts.UDPExpiry
	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	a.idle.Store(int64(expiry / time.Second))
}

// expireLoop counts the idle budget down once per second and tears
// the association down when it runs out.
func (a *udpAssociation) expireLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if a.idle.Add(-1) <= 0 {
			a.log.Debug().Msg("UDP association expired")
			a.close()
			return
		}
	}
}

// fromClient reports whether a datagram source is the associated
// client, fixing the expected port on first contact when the client
// declared port zero.
func (a *udpAssociation) fromClient(src *net.UDPAddr) bool {
	if !src.IP.Equal(a.clientIP) {
		return false
	}
	port := a.clientPort.Load()
	if port == 0 {
		return a.clientPort.CompareAndSwap(0, uint32(src.Port)) ||
			a.clientPort.Load() == uint32(src.Port)
	}
	return uint32(src.Port) == port
}

// clientLoop reads framed datagrams from the client, strips the
// header, and forwards the payload to the target. Fragmented
// datagrams (FRAG != 0) are dropped, as are datagrams from any other
// source.
func (a *udpAssociation) clientLoop() {
	buf := make([]byte, MaxUDPPacketSize)
	for {
		n, src, err := a.clientSock.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if !a.fromClient(src) {
			continue
		}
		a.resetIdle()

		host, port, headerLen, frag, code := ExtractUDPHeader(buf[:n])
		if code != Succeeded || frag != 0 || headerLen >= n {
			continue
		}

		target, err := a.resolveTarget(host, port)
		if err != nil {
			a.log.Debug().Err(err).Str("target", JoinHostPort(host, port)).Msg("UDP target unresolvable")
			continue
		}

		if _, err := a.targetSock.WriteToUDP(buf[headerLen:n], target); err != nil {
			return
		}
	}
}

// targetLoop reads datagrams arriving on the network-facing socket,
// wraps each in the header naming its source, and returns it to the
// client. Any source may reach the client this way; the header tells
// the client who sent what.
func (a *udpAssociation) targetLoop() {
	buf := make([]byte, MaxUDPPacketSize)
	for {
		n, src, err := a.targetSock.ReadFromUDP(buf)
		if err != nil {
			return
		}

		port := a.clientPort.Load()
		if port == 0 {
			continue
		}
		a.resetIdle()

		client := &net.UDPAddr{IP: a.clientIP, Port: int(port)}
		if _, err := a.clientSock.WriteToUDP(WrapUDPDatagram(src, buf[:n]), client); err != nil {
			return
		}
	}
}

// resolveTarget turns the datagram header's destination into a UDP
// address, going through the configured resolver for hostnames.
func (a *udpAssociation) resolveTarget(host string, port uint16) (*net.UDPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), resolveUDPTimeout)
	defer cancel()
	ips, err := a.sess.Connect.Resolver.LookupIP(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
	}
	return &net.UDPAddr{IP: ips[0], Port: int(port)}, nil
}
