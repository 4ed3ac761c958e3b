package conn

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/l1jgo/server/internal/codec"
	"github.com/l1jgo/server/internal/crypto"
	"go.uber.org/zap"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	seen []*codec.Packet
	done chan struct{}
}

func newRecordingDispatcher() *recordingDispatcher {
	return &recordingDispatcher{done: make(chan struct{}, 16)}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, clientID uint64, pkt *codec.Packet) error {
	d.mu.Lock()
	d.seen = append(d.seen, pkt)
	d.mu.Unlock()
	d.done <- struct{}{}
	return nil
}

// testClient drives the client side of the handshake over a net.Pipe,
// reusing the real crypto package so the simulated client is exactly as
// capable as a real one.
type testClient struct {
	conn   net.Conn
	cipher *crypto.Cipher
}

func newTestClient(conn net.Conn) *testClient {
	c := &testClient{conn: conn, cipher: crypto.NewCipher()}
	c.cipher.GenerateKey(BootstrapKey)
	return c
}

// readServerDHPacket reads and decrypts the server's initial DH packet,
// parsing the P/G/A ASCII-hex records exactly like crypto_test.go's
// clientRespond helper.
func (c *testClient) readServerDHPacket(t *testing.T) (pHex, gHex, aHex string) {
	t.Helper()
	hdr := make([]byte, 15) // 11 reserved + 4 payload_size
	if _, err := readFull(c.conn, hdr); err != nil {
		t.Fatalf("read dh header: %v", err)
	}
	c.cipher.Decrypt(hdr)
	payloadSize := binary.LittleEndian.Uint32(hdr[11:15])

	body := make([]byte, payloadSize)
	if _, err := readFull(c.conn, body); err != nil {
		t.Fatalf("read dh body: %v", err)
	}
	c.cipher.Decrypt(body)

	// Discard the trailing 8-byte server signature.
	sig := make([]byte, codec.SignatureLen)
	if _, err := readFull(c.conn, sig); err != nil {
		t.Fatalf("read dh signature: %v", err)
	}

	readRecord := func() string {
		n := binary.LittleEndian.Uint32(body[:4])
		body = body[4:]
		s := string(body[:n])
		body = body[n:]
		return s
	}
	pHex = readRecord()
	gHex = readRecord()
	aHex = readRecord()
	return
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// sendDummyFrame writes the plaintext 2-byte-length dummy frame the
// server expects while in StateWaitingForDummyPacket.
func (c *testClient) sendDummyFrame(t *testing.T) {
	t.Helper()
	const extra = 10 // total = extra+2 = 12, comfortably within codec bounds
	frame := make([]byte, 2+extra)
	binary.LittleEndian.PutUint16(frame[0:2], extra)
	if _, err := c.conn.Write(frame); err != nil {
		t.Fatalf("write dummy frame: %v", err)
	}
}

// sendDHResponse builds a response frame laid out exactly as
// codec.Packet.TryExtractDHKey expects (i32 "read" at offset 11, then
// offset=read+4+11 holds i32 key_size + ascii hex key), bootstrap-
// encrypts the whole thing, and writes it length-prefixed.
func (c *testClient) sendDHResponse(t *testing.T, pHex, gHex, aHex string) []byte {
	t.Helper()
	p, _ := new(big.Int).SetString(pHex, 16)
	g, _ := new(big.Int).SetString(gHex, 16)
	a, _ := new(big.Int).SetString(aHex, 16)

	b := big.NewInt(777)
	pub := new(big.Int).Exp(g, b, p)
	shared := new(big.Int).Exp(a, b, p)

	pubHex := pub.Text(16)

	// TryExtractDHKey's Seek(11) is an absolute offset into the whole
	// decrypted raw frame, which includes the 2-byte "extra length"
	// header readRawFrame prepends. So the reserved region here is only
	// 9 bytes: 2 (header, written below) + 9 = 11 before the i32 "read"
	// field, keeping absolute offsets aligned with TryExtractDHKey.
	const read = 0
	body := make([]byte, 9+4)
	binary.LittleEndian.PutUint32(body[9:13], uint32(read))
	var keySizeBuf [4]byte
	binary.LittleEndian.PutUint32(keySizeBuf[:], uint32(len(pubHex)))
	body = append(body, keySizeBuf[:]...)
	body = append(body, []byte(pubHex)...)

	extra := len(body)
	frame := make([]byte, 2, 2+extra)
	binary.LittleEndian.PutUint16(frame[0:2], uint16(extra))
	frame = append(frame, body...)

	c.cipher.Encrypt(frame)
	if _, err := c.conn.Write(frame); err != nil {
		t.Fatalf("write dh response: %v", err)
	}

	return deriveKeyFromShared(shared)
}

// deriveKeyFromShared mirrors crypto.Exchange.DeriveEncryptionKey bit for
// bit, since the client side of the handshake has no access to an
// Exchange carrying the server's private exponent.
func deriveKeyFromShared(shared *big.Int) []byte {
	sHex := shared.Text(16)
	sBytes := []byte(sHex)
	firstZero := len(sBytes)
	for i, b := range sBytes {
		if b == 0 {
			firstZero = i
			break
		}
	}
	s1Sum := md5.Sum(sBytes[:firstZero])
	s1 := hex.EncodeToString(s1Sum[:])
	s2Sum := md5.Sum([]byte(s1 + s1))
	s2 := hex.EncodeToString(s2Sum[:])
	return []byte(s1 + s2)
}

func newTestSession(t *testing.T) (*Session, net.Conn, *recordingDispatcher) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	disp := newRecordingDispatcher()
	s := NewSession(context.Background(), 1, serverConn, disp, zap.NewNop())
	return s, clientConn, disp
}

func TestHappyHandshakeReachesConnectedAndDispatches(t *testing.T) {
	s, clientConn, disp := newTestSession(t)
	defer clientConn.Close()

	startErrCh := make(chan error, 1)
	go func() { startErrCh <- s.Start() }()

	client := newTestClient(clientConn)
	pHex, gHex, aHex := client.readServerDHPacket(t)
	client.sendDummyFrame(t)

	time.Sleep(20 * time.Millisecond) // let the server consume the dummy frame and advance state
	sessionKey := client.sendDHResponse(t, pHex, gHex, aHex)

	deadline := time.After(2 * time.Second)
	for s.State() != StateConnected {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Connected state, still %s", s.State())
		case <-time.After(5 * time.Millisecond):
		}
	}

	client.cipher.GenerateKey(sessionKey)
	client.cipher.Reset()

	pkt := codec.NewPacket()
	pkt.WriteU32(42)
	if err := pkt.Finalize(7, codec.ClientSignature); err != nil {
		t.Fatal(err)
	}
	frame := append([]byte(nil), pkt.Bytes()...)
	client.cipher.Encrypt(frame)
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatal(err)
	}

	select {
	case <-disp.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}

	disp.mu.Lock()
	n := len(disp.seen)
	disp.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected exactly one dispatched packet, got %d", n)
	}

	s.Close()
	<-startErrCh
}

func TestRecvDhResponseFrameTimesOut(t *testing.T) {
	s, clientConn, _ := newTestSession(t)
	defer clientConn.Close()
	defer s.Close()

	s.cipher.GenerateKey(BootstrapKey)
	ex, err := crypto.NewExchange()
	if err != nil {
		t.Fatal(err)
	}
	s.dh = ex
	s.setState(StateDhKeyExchange)
	s.handshakeStartedAt = time.Now().Add(-handshakeTimeout - time.Second)

	// recvDhResponseFrame checks the deadline before touching the socket,
	// so no peer write is needed.
	err = s.recvDhResponseFrame()
	if err != ErrHandshakeTimeout {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
}

func TestRecvDummyFrameRejectsOversizeLength(t *testing.T) {
	s, clientConn, _ := newTestSession(t)
	defer clientConn.Close()
	defer s.Close()

	go func() {
		frame := make([]byte, 2)
		binary.LittleEndian.PutUint16(frame, 60000)
		clientConn.Write(frame)
	}()

	err := s.recvDummyFrame()
	if err == nil {
		t.Fatal("expected an error for an oversize dummy frame length")
	}
}
