// Package server accepts client connections on the single listening
// port, classifies each stream by its first byte, and hands it to the
// SOCKS or HTTP handler. TLS and scramble layers are peeled here
// before classification recurses on the inner stream.
package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"driftproxy/pkg/netutil"
	"driftproxy/pkg/proxy/httpd"
	"driftproxy/pkg/proxy/session"
	"driftproxy/pkg/proxy/socks"
	"driftproxy/pkg/scramble"
	"driftproxy/pkg/tlsconf"
	"driftproxy/pkg/upstream"
)

// acceptWorkers is the number of goroutines blocked in Accept.
const acceptWorkers = 32

// tlsHandshakeTimeout bounds the inbound TLS accept.
const tlsHandshakeTimeout = 30 * time.Second

// Options carries the server-level knobs. Per-session settings travel
// separately in Session.
type Options struct {
	Listen    string
	ReusePort bool

	Scramble    bool
	NoiseLength int

	DisableSocks    bool
	DisableHTTP     bool
	DisableInsecure bool

	// TLSServer terminates inbound TLS; nil rejects 0x16 streams.
	TLSServer *tls.Config

	// Workers overrides acceptWorkers when positive.
	Workers int

	Session session.Options
}

// Server owns the listener, the accept workers, and the registry of
// live sessions.
type Server struct {
	opts      Options
	connector *upstream.Connector
	log       zerolog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	nextID   atomic.Uint64
	sessions sync.Map
}

// New builds a stopped server. Start brings it up.
func New(opts Options, connector *upstream.Connector, log zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		connector: connector,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start opens the listener and launches the accept workers.
func (s *Server) Start() error {
	ln, err := netutil.Listen(s.ctx, s.opts.Listen, s.opts.ReusePort)
	if err != nil {
		return err
	}
	s.listener = ln

	workers := s.opts.Workers
	if workers <= 0 {
		workers = acceptWorkers
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.acceptLoop()
	}
	s.log.Info().Str("addr", ln.Addr().String()).Int("workers", workers).Msg("Proxy listening")
	return nil
}

// Stop closes the listener and every live session, then waits for the
// accept workers and in-flight sessions to drain.
func (s *Server) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.sessions.Range(func(_, value any) bool {
		value.(*session.Session).Client.Close()
		return true
	})
	s.wg.Wait()
	s.log.Info().Msg("Proxy stopped")
}

// Addr reports the bound listener address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionInfo is one row of the live-session snapshot.
type SessionInfo struct {
	ID       uint64
	Remote   string
	Protocol string
	ToRemote int64
	ToClient int64
	Age      time.Duration
}

// Snapshot lists the live sessions for operator tooling.
func (s *Server) Snapshot() []SessionInfo {
	var rows []SessionInfo
	s.sessions.Range(func(_, value any) bool {
		sess := value.(*session.Session)
		rows = append(rows, SessionInfo{
			ID:       sess.ID,
			Remote:   sess.Client.RemoteAddr().String(),
			Protocol: sess.Protocol(),
			ToRemote: sess.Counters.ToRemote.Load(),
			ToClient: sess.Counters.ToClient.Load(),
			Age:      time.Since(sess.Started),
		})
		return true
	})
	return rows
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn registers a session for an accepted connection and runs
// classification to completion in its own goroutine, so an accept
// worker never waits on a live session.
func (s *Server) handleConn(conn net.Conn) {
	netutil.TuneConn(conn, s.opts.Scramble)

	id := s.nextID.Add(1)
	sess := &session.Session{
		ID:      id,
		Client:  session.NewConn(conn),
		Opts:    s.opts.Session,
		Connect: s.connector,
		Log: s.log.With().
			Uint64("session", id).
			Str("client", conn.RemoteAddr().String()).
			Logger(),
		Started: time.Now(),
	}
	s.sessions.Store(id, sess)
	defer func() {
		s.sessions.Delete(id)
		conn.Close()
	}()

	s.dispatch(sess)
}

// dispatch peeks the first byte and routes the stream. TLS unwraps at
// most once and scramble unwraps at most once; each unwrap loops back
// for reclassification of the inner stream. Anything unclassifiable
// closes without emitting a byte.
func (s *Server) dispatch(sess *session.Session) {
	tlsDone := false
	scrambleDone := false

	for {
		head, err := sess.Client.Peek(1)
		if err != nil || len(head) == 0 {
			return
		}
		first := head[0]

		if s.opts.DisableInsecure && !tlsDone && first != 0x16 {
			sess.Log.Debug().Uint8("first_byte", first).Msg("Plaintext rejected, TLS required")
			return
		}

		switch {
		case first == 0x16:
			if tlsDone || s.opts.TLSServer == nil {
				return
			}
			inner, ok := s.acceptTLS(sess)
			if !ok {
				return
			}
			sess.Client = inner
			tlsDone = true

		case first == socks.Version4 || first == socks.Version5:
			if s.opts.DisableSocks {
				sess.Log.Debug().Msg("SOCKS disabled, closing")
				return
			}
			socks.Handle(sess)
			return

		case first == 'G' || first == 'P' || first == 'C':
			if s.opts.DisableHTTP {
				sess.Log.Debug().Msg("HTTP disabled, closing")
				return
			}
			httpd.Handle(sess)
			return

		default:
			if !s.opts.Scramble || scrambleDone {
				sess.Log.Debug().Uint8("first_byte", first).Msg("Unclassified stream, closing")
				return
			}
			sc, err := scramble.Handshake(sess.Client, s.opts.NoiseLength)
			if err != nil {
				sess.Log.Debug().Err(err).Msg("Scramble handshake failed")
				return
			}
			sess.Client = session.NewConn(sc)
			scrambleDone = true
		}
	}
}

// acceptTLS sniffs the SNI for logging, runs the server handshake,
// and rewraps the decrypted stream for reclassification.
func (s *Server) acceptTLS(sess *session.Session) (*session.Conn, bool) {
	if record, err := peekClientHello(sess.Client); err == nil {
		if sni, ok := tlsconf.SniffClientHello(record); ok && sni != "" {
			sess.Log.Debug().Str("sni", sni).Msg("TLS ClientHello")
		}
	}

	tc := tls.Server(sess.Client, s.opts.TLSServer)
	ctx, cancel := context.WithTimeout(s.ctx, tlsHandshakeTimeout)
	defer cancel()
	if err := tc.HandshakeContext(ctx); err != nil {
		sess.Log.Debug().Err(err).Msg("TLS accept failed")
		return nil, false
	}
	return session.NewConn(tc), true
}

// peekClientHello returns the first TLS record without consuming it.
// Records larger than the lookahead buffer yield what fits, which the
// sniffer rejects cleanly.
func peekClientHello(c *session.Conn) ([]byte, error) {
	header, err := c.Peek(5)
	if err != nil {
		return nil, err
	}
	total := 5 + int(binary.BigEndian.Uint16(header[3:5]))
	if total > 4096 {
		total = 4096
	}
	return c.Peek(total)
}
