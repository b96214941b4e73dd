package scramble

import (
	"net"
)

// Conn wraps a net.Conn with per-direction scramble codecs. Bytes
// written are encoded with the send codec, bytes read are decoded
// with the receive codec. The two directions use independent keys.
type Conn struct {
	net.Conn

	send *Codec
	recv *Codec

	// scratch avoids mutating caller buffers on Write.
	scratch []byte
}

// Handshake runs the noise exchange on conn and returns a scrambled
// connection. Each side sends its own random noise, reads the peer's,
// and keys the send direction from the noise it sent and the receive
// direction from the noise it received. Both sides run the identical
// procedure, so the sender's send key always matches the receiver's
// receive key.
func Handshake(conn net.Conn, maxLen int) (*Conn, error) {
	sent, err := GenerateNoise(maxLen)
	if err != nil {
		return nil, err
	}

	// Send and receive run concurrently, so the exchange completes
	// even over an unbuffered transport where both peers write first.
	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(sent)
		writeErr <- err
	}()
	received, err := ReadNoise(conn, maxLen)
	if err != nil {
		return nil, err
	}
	if err := <-writeErr; err != nil {
		return nil, err
	}

	return &Conn{
		Conn: conn,
		send: NewCodec(sent),
		recv: NewCodec(received),
	}, nil
}

// Read decodes bytes from the underlying connection in place.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.recv.Transform(p[:n])
	}
	return n, err
}

// Write encodes p into an internal scratch buffer and writes it out,
// leaving the caller's slice untouched.
func (c *Conn) Write(p []byte) (int, error) {
	if cap(c.scratch) < len(p) {
		c.scratch = make([]byte, len(p))
	}
	buf := c.scratch[:len(p)]
	copy(buf, p)
	c.send.Transform(buf)

	n, err := c.Conn.Write(buf)
	if n < len(p) && err == nil {
		err = net.ErrClosed
	}
	return n, err
}

// CloseWrite half-closes the send direction when the underlying
// connection supports it.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}

// CloseRead half-closes the receive direction when the underlying
// connection supports it.
func (c *Conn) CloseRead() error {
	if hc, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return hc.CloseRead()
	}
	return nil
}
