package handlerdemo

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/l1jgo/server/internal/codec"
	"github.com/l1jgo/server/internal/conn"
	"github.com/l1jgo/server/internal/crypto"
	"github.com/l1jgo/server/internal/dispatch"
	"github.com/l1jgo/server/internal/persist"
	"github.com/l1jgo/server/internal/server"
	"github.com/l1jgo/server/internal/worldmap"
	"go.uber.org/zap"
)

// recordingDispatcher hands every decoded client frame to a registered
// dispatch.Registry, exactly like the real server wiring does.
type recordingDispatcher struct {
	reg *dispatch.Registry
}

func (d recordingDispatcher) Dispatch(ctx context.Context, clientID uint64, pkt *codec.Packet) error {
	return d.reg.Dispatch(ctx, clientID, pkt)
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// handshakeClient drives a Session through the DH handshake from the
// client side of a net.Pipe, the same protocol session_test.go exercises
// in package conn, so this package's tests can observe what a handler
// actually writes back over the wire rather than only its return value.
type handshakeClient struct {
	conn   net.Conn
	cipher *crypto.Cipher
}

func newHandshakeClient(c net.Conn) *handshakeClient {
	hc := &handshakeClient{conn: c, cipher: crypto.NewCipher()}
	hc.cipher.GenerateKey(conn.BootstrapKey)
	return hc
}

func (hc *handshakeClient) readServerDHPacket(t *testing.T) (pHex, gHex, aHex string) {
	t.Helper()
	hdr := make([]byte, 15) // 11 reserved + u32 payload_size
	if _, err := readFull(hc.conn, hdr); err != nil {
		t.Fatalf("read dh header: %v", err)
	}
	hc.cipher.Decrypt(hdr)
	payloadSize := binary.LittleEndian.Uint32(hdr[11:15])

	body := make([]byte, payloadSize)
	if _, err := readFull(hc.conn, body); err != nil {
		t.Fatalf("read dh body: %v", err)
	}
	hc.cipher.Decrypt(body)

	sig := make([]byte, codec.SignatureLen)
	if _, err := readFull(hc.conn, sig); err != nil {
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

func (hc *handshakeClient) sendDummyFrame(t *testing.T) {
	t.Helper()
	const extra = 10
	frame := make([]byte, 2+extra)
	binary.LittleEndian.PutUint16(frame[0:2], extra)
	if _, err := hc.conn.Write(frame); err != nil {
		t.Fatalf("write dummy frame: %v", err)
	}
}

// sendDHResponse generates its own DH exponent via the same Exchange
// type the server uses (symmetric math: calling HandleClientResponse
// with the server's public value computes the correct shared secret
// regardless of which side is "responding"), extracts its own public
// value by reusing CreateKeyExchangePacket's record encoding, and
// returns the derived session key.
func (hc *handshakeClient) sendDHResponse(t *testing.T, aHex string) []byte {
	t.Helper()
	ex, err := crypto.NewExchange()
	if err != nil {
		t.Fatalf("NewExchange: %v", err)
	}
	if err := ex.HandleClientResponse(aHex); err != nil {
		t.Fatalf("HandleClientResponse: %v", err)
	}
	sessionKey, err := ex.DeriveEncryptionKey()
	if err != nil {
		t.Fatalf("DeriveEncryptionKey: %v", err)
	}

	// Extract this exchange's own public value by parsing the third
	// length-prefixed record out of its own key-exchange packet.
	selfPkt := ex.CreateKeyExchangePacket()
	body := selfPkt[15:]
	skipRecord := func() {
		n := binary.LittleEndian.Uint32(body[:4])
		body = body[4+n:]
	}
	skipRecord() // P
	skipRecord() // G
	n := binary.LittleEndian.Uint32(body[:4])
	pubHex := string(body[4 : 4+n])

	// TryExtractDHKey's Seek(11) is an absolute offset into the whole
	// decrypted raw frame including the 2-byte "extra length" header
	// readRawFrame prepends, so only 9 bytes of reserved space go here.
	const read = 0
	respBody := make([]byte, 9+4)
	binary.LittleEndian.PutUint32(respBody[9:13], uint32(read))
	var keySizeBuf [4]byte
	binary.LittleEndian.PutUint32(keySizeBuf[:], uint32(len(pubHex)))
	respBody = append(respBody, keySizeBuf[:]...)
	respBody = append(respBody, []byte(pubHex)...)

	extra := len(respBody)
	frame := make([]byte, 2, 2+extra)
	binary.LittleEndian.PutUint16(frame[0:2], uint16(extra))
	frame = append(frame, respBody...)

	hc.cipher.Encrypt(frame)
	if _, err := hc.conn.Write(frame); err != nil {
		t.Fatalf("write dh response: %v", err)
	}
	return sessionKey
}

func (hc *handshakeClient) readPacket(t *testing.T) *codec.Packet {
	t.Helper()
	hc.conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	hdr := make([]byte, 2)
	if _, err := readFull(hc.conn, hdr); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	hc.cipher.Decrypt(hdr)
	declaredLength := binary.LittleEndian.Uint16(hdr)

	rest := make([]byte, int(declaredLength)-2+codec.SignatureLen)
	if _, err := readFull(hc.conn, rest); err != nil {
		t.Fatalf("read frame rest: %v", err)
	}
	hc.cipher.Decrypt(rest)

	return codec.NewPacketFromBytes(append(hdr, rest...))
}

func (hc *handshakeClient) sendPacket(t *testing.T, packetType uint16, build func(p *codec.Packet) error) {
	t.Helper()
	p := codec.NewPacket()
	if err := build(p); err != nil {
		t.Fatalf("build packet: %v", err)
	}
	if err := p.Finalize(packetType, codec.ClientSignature); err != nil {
		t.Fatalf("finalize packet: %v", err)
	}
	frame := append([]byte(nil), p.Bytes()...)
	hc.cipher.Encrypt(frame)
	if _, err := hc.conn.Write(frame); err != nil {
		t.Fatalf("write packet: %v", err)
	}
}

// testRig wires one Session through a real handshake, a dispatch.Registry
// with the demo handlers installed, and a server.Registry, so tests send
// and receive exactly the bytes that would cross a real socket.
type testRig struct {
	deps     *Deps
	clientID uint64
	client   *handshakeClient
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	reg := dispatch.NewRegistry(zap.NewNop(), nil)
	world, err := worldmap.NewMap(4, 64, 64)
	if err != nil {
		t.Fatalf("NewMap: %v", err)
	}
	deps := &Deps{
		Registry: server.NewRegistry(zap.NewNop()),
		World:    world,
		Players:  persist.NewMemoryRepository(),
		Log:      zap.NewNop(),
	}
	Register(reg, deps)

	const clientID = 1
	sess, client := connectSession(t, clientID, serverConn, clientConn, recordingDispatcher{reg: reg})
	deps.Registry.Add(sess)
	t.Cleanup(func() { deps.Registry.Remove(clientID) })

	return &testRig{deps: deps, clientID: clientID, client: client}
}

// connectSession runs a Session's handshake to completion against a
// matching client-side net.Pipe half, returning both ends ready for
// plaintext (session-key-encrypted) traffic.
func connectSession(t *testing.T, clientID uint64, serverConn, clientConn net.Conn, disp conn.Dispatcher) (*conn.Session, *handshakeClient) {
	t.Helper()
	sess := conn.NewSession(context.Background(), clientID, serverConn, disp, zap.NewNop())
	go sess.Start()

	client := newHandshakeClient(clientConn)
	_, _, aHex := client.readServerDHPacket(t)
	client.sendDummyFrame(t)
	time.Sleep(20 * time.Millisecond)
	sessionKey := client.sendDHResponse(t, aHex)

	deadline := time.After(2 * time.Second)
	for sess.State() != conn.StateConnected {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for Connected state, still %s", sess.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
	client.cipher.GenerateKey(sessionKey)
	client.cipher.Reset()
	return sess, client
}

func TestHandleLoginRepliesWithFixtureUID(t *testing.T) {
	rig := newTestRig(t)

	rig.client.sendPacket(t, PacketLoginGame, func(p *codec.Packet) error {
		return p.WriteString("Lysander", 16)
	})

	resp := rig.client.readPacket(t)
	if resp.PacketType() != PacketLoginGama {
		t.Fatalf("expected PacketLoginGama, got %d", resp.PacketType())
	}
	uid, err := resp.ReadU32()
	if err != nil {
		t.Fatalf("read uid: %v", err)
	}
	if uid != demoUID {
		t.Fatalf("expected uid %d, got %d", demoUID, uid)
	}
	state, err := resp.ReadU8()
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if state != 0 {
		t.Fatalf("expected state 0, got %d", state)
	}

	available, err := rig.deps.Players.IsNameAvailable(context.Background(), "Lysander")
	if err != nil {
		t.Fatalf("IsNameAvailable: %v", err)
	}
	if available {
		t.Fatal("expected the login handler to reserve the requested name")
	}
}

func TestHandleMoveAppliesHeadingToEntity(t *testing.T) {
	rig := newTestRig(t)

	entity := &worldmap.MapObject{
		ObjectID:   uint32(rig.clientID),
		MapID:      rig.deps.World.ID(),
		Pos:        worldmap.NewPosition(10, 10),
		ObjectType: worldmap.ObjectPlayer,
	}
	if err := rig.deps.World.AddEntity(entity); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}

	const headingEast = 2
	rig.client.sendPacket(t, PacketMove, func(p *codec.Packet) error {
		return p.WriteU8(headingEast)
	})

	deadline := time.After(2 * time.Second)
	for {
		moved, ok := rig.deps.World.Entity(uint32(rig.clientID))
		if ok && (moved.Pos.X != 10 || moved.Pos.Y != 10) {
			if moved.Pos.X != 11 || moved.Pos.Y != 10 {
				t.Fatalf("expected (11,10), got (%d,%d)", moved.Pos.X, moved.Pos.Y)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for move to apply")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandleTalkBroadcastsToOtherClients(t *testing.T) {
	rig := newTestRig(t)

	serverConn2, clientConn2 := net.Pipe()
	t.Cleanup(func() { clientConn2.Close() })
	sess2, client2 := connectSession(t, 2, serverConn2, clientConn2, recordingDispatcher{reg: dispatch.NewRegistry(zap.NewNop(), nil)})
	rig.deps.Registry.Add(sess2)
	t.Cleanup(func() { rig.deps.Registry.Remove(2) })

	rig.client.sendPacket(t, PacketTalk, func(p *codec.Packet) error {
		return p.WriteString("hello there", 128)
	})

	resp := client2.readPacket(t)

	if resp.PacketType() != PacketTalkNotify {
		t.Fatalf("expected PacketTalkNotify, got %d", resp.PacketType())
	}
	speakerID, err := resp.ReadU32()
	if err != nil {
		t.Fatalf("read speaker id: %v", err)
	}
	if speakerID != uint32(rig.clientID) {
		t.Fatalf("expected speaker id %d, got %d", rig.clientID, speakerID)
	}
}
