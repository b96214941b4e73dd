package scramble

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
)

func TestTransformIdentity(t *testing.T) {
	noise := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03}

	plain := make([]byte, 100)
	for i := range plain {
		plain[i] = byte(i)
	}

	data := append([]byte(nil), plain...)
	NewCodec(noise).Transform(data)
	if bytes.Equal(data, plain) {
		t.Fatal("transform left data unchanged")
	}
	NewCodec(noise).Transform(data)
	if !bytes.Equal(data, plain) {
		t.Fatalf("double transform not identity: got %x want %x", data, plain)
	}
}

func TestTransformSplitMatchesWhole(t *testing.T) {
	noise := []byte("seed material")
	plain := make([]byte, 70)
	for i := range plain {
		plain[i] = byte(i * 3)
	}

	whole := append([]byte(nil), plain...)
	NewCodec(noise).Transform(whole)

	split := append([]byte(nil), plain...)
	c := NewCodec(noise)
	// Uneven chunks exercise rekeying across call boundaries.
	c.Transform(split[:5])
	c.Transform(split[5:21])
	c.Transform(split[21:])

	if !bytes.Equal(whole, split) {
		t.Fatal("chunked transform diverges from single-call transform")
	}
}

func TestScheduleKeyDeterministic(t *testing.T) {
	a := ScheduleKey([]byte("noise"))
	b := ScheduleKey([]byte("noise"))
	if a != b {
		t.Fatal("key schedule not deterministic")
	}
	c := ScheduleKey([]byte("other"))
	if a == c {
		t.Fatal("distinct seeds produced identical keys")
	}
}

func TestGenerateNoiseConstraints(t *testing.T) {
	for i := 0; i < 200; i++ {
		buf, err := GenerateNoise(MaxNoiseLength)
		if err != nil {
			t.Fatal(err)
		}
		if len(buf) < MinNoiseLength || len(buf) >= MaxNoiseLength {
			t.Fatalf("noise length %d out of range", len(buf))
		}
		w0 := binary.BigEndian.Uint16(buf[0:2])
		w1 := binary.BigEndian.Uint16(buf[2:4])
		if int(w0&w1) != len(buf) {
			t.Fatalf("pair-AND %d does not encode length %d", w0&w1, len(buf))
		}
		if isKnownFirstByte(buf[0]) {
			t.Fatalf("noise starts with known protocol byte %#02x", buf[0])
		}
	}
}

func TestGenerateNoiseBounds(t *testing.T) {
	if _, err := GenerateNoise(MinNoiseLength); err == nil {
		t.Fatal("expected error for bound at minimum")
	}
	if _, err := GenerateNoise(MaxNoiseLength + 1); err == nil {
		t.Fatal("expected error for bound above maximum")
	}
}

func TestReadNoiseRoundTrip(t *testing.T) {
	for i := 0; i < 50; i++ {
		sent, err := GenerateNoise(MaxNoiseLength)
		if err != nil {
			t.Fatal(err)
		}
		got, err := ReadNoise(bytes.NewReader(sent), MaxNoiseLength)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, sent) {
			t.Fatalf("read %d bytes, sent %d", len(got), len(sent))
		}
	}
}

func TestReadNoiseSkipsOutOfRangeCandidates(t *testing.T) {
	// 0xffff & 0x0000 == 0 is rejected, the scan keeps pairing words:
	// 0x200a & 0x100a == 10 is accepted once 8 bytes are consumed, so
	// the buffer completes at 10 bytes total.
	wire := []byte{0xff, 0xff, 0x00, 0x00, 0x20, 0x0a, 0x10, 0x0a, 0xaa, 0xbb}
	got, err := ReadNoise(bytes.NewReader(wire), MaxNoiseLength)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, wire) {
		t.Fatalf("got %x want %x", got, wire)
	}
}

func TestReadNoiseTruncated(t *testing.T) {
	// Accepted length 10 but the stream ends after 8 bytes.
	wire := []byte{0x20, 0x0a, 0x10, 0x0a, 0x01, 0x02, 0x03, 0x04}
	if _, err := ReadNoise(bytes.NewReader(wire), MaxNoiseLength); err == nil {
		t.Fatal("expected error on truncated noise")
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	type result struct {
		conn *Conn
		err  error
	}
	ch := make(chan result, 2)
	for _, c := range []net.Conn{left, right} {
		go func(c net.Conn) {
			sc, err := Handshake(c, MaxNoiseLength)
			ch <- result{sc, err}
		}(c)
	}
	ra, rb := <-ch, <-ch
	if ra.err != nil || rb.err != nil {
		t.Fatalf("handshake failed: %v / %v", ra.err, rb.err)
	}

	plain := make([]byte, 32)
	for i := range plain {
		plain[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() {
		_, err := ra.conn.Write(plain)
		done <- err
	}()

	got := make([]byte, len(plain))
	for off := 0; off < len(got); {
		n, err := rb.conn.Read(got[off:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		off += n
	}
	if err := <-done; err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round trip mismatch: got %x want %x", got, plain)
	}
}
