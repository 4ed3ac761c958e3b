// Package conn implements the per-connection state machine: the
// handshake phases, the framing/crypto inbound and outbound pipelines,
// rate limiting and flood detection, and the health timer that retires
// idle or stalled connections (spec.md §4.G, §5).
package conn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l1jgo/server/internal/codec"
	"github.com/l1jgo/server/internal/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// BootstrapKey is the fixed ASCII key every connection's cipher is
// first seeded with, before the DH-derived session key replaces it
// (spec.md §4.B).
var BootstrapKey = []byte("R3Xx97ra5j8D6uZz")

const (
	recvScratchSize  = 8 * 1024
	framesPerIter    = 10
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 5 * time.Minute
	healthInterval   = 30 * time.Second
	sendQueueCap     = 100
	writeRetries     = 3
	writeRetryUnit   = 10 * time.Millisecond
	connectTimeout   = 5 * time.Second

	packetRateLimit = 100
	packetBurst     = packetRateLimit
	byteRateLimit   = 100_000
	byteBurst       = byteRateLimit

	maxConsecutiveErrors = 5
)

// Dispatcher is the subset of internal/dispatch.Registry a Session
// needs. Kept as an interface here (rather than importing dispatch
// directly) so dispatch can depend on conn for packet/session types
// without an import cycle.
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID uint64, pkt *codec.Packet) error
}

// Session is a single client connection's state machine.
type Session struct {
	ID   uint64
	conn net.Conn
	log  *zap.Logger

	dispatcher Dispatcher

	stateMu sync.Mutex
	state   atomic.Int32

	cipher *crypto.Cipher
	dh     *crypto.Exchange

	handshakeStartedAt time.Time
	lastActivityAt      atomic.Int64 // unix nano

	packetLimiter *rate.Limiter
	byteLimiter   *rate.Limiter
	flood         *floodGuard
	consecErrors  atomic.Int32

	sendCh        chan []byte
	dispatchQueue chan *codec.Packet

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once
	closed    atomic.Bool

	// pendingHeader holds the 2 already-decrypted header bytes of a
	// Connected-state frame still being assembled across socket reads.
	pendingHeader []byte
}

// dispatchQueueCap bounds the per-client backlog of decoded frames
// waiting for the dispatch drain goroutine.
const dispatchQueueCap = 64

// NewSession wraps an accepted connection. parent is the server's
// cancellation context; disp receives fully decoded client frames
// once the handshake completes.
func NewSession(parent context.Context, id uint64, c net.Conn, disp Dispatcher, log *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	group, ctx := errgroup.WithContext(ctx)

	s := &Session{
		ID:         id,
		conn:       c,
		log:        log.With(zap.Uint64("client_id", id)),
		dispatcher: disp,
		cipher:     crypto.NewCipher(),
		flood:         newFloodGuard(time.Now()),
		sendCh:        make(chan []byte, sendQueueCap),
		dispatchQueue: make(chan *codec.Packet, dispatchQueueCap),
		ctx:           ctx,
		cancel:        cancel,
		group:         group,
		packetLimiter: rate.NewLimiter(rate.Limit(packetRateLimit), packetBurst),
		byteLimiter:   rate.NewLimiter(rate.Limit(byteRateLimit), byteBurst),
	}
	s.state.Store(int32(StateConnecting))
	s.touchActivity()
	return s
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state.Store(int32(st))
}

func (s *Session) touchActivity() {
	s.lastActivityAt.Store(time.Now().UnixNano())
}

// RemoteAddr satisfies gameworld.Conn.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// configureSocket applies the startup socket tuning from spec.md §4.G
// step 1: TCP_NODELAY, 8 KiB buffers, no linger, keepalive on.
func configureSocket(c net.Conn) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetNoDelay(true)
	tc.SetReadBuffer(8 * 1024)
	tc.SetWriteBuffer(8 * 1024)
	tc.SetLinger(0)
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(30 * time.Second)
}

// Start configures the socket, sends the DH key-exchange packet
// encrypted with the bootstrap key, and launches the four long-running
// tasks: receive loop, send loop, health monitor, and dispatch drain.
// It blocks until every task has exited.
func (s *Session) Start() error {
	configureSocket(s.conn)
	s.setState(StateConnecting)

	if err := s.cipher.GenerateKey(BootstrapKey); err != nil {
		s.Close()
		return err
	}

	ex, err := crypto.NewExchange()
	if err != nil {
		s.Close()
		return err
	}
	s.dh = ex

	pkt := ex.CreateKeyExchangePacket()
	encrypted := append([]byte(nil), pkt...)
	s.cipher.Encrypt(encrypted)
	s.conn.SetWriteDeadline(time.Now().Add(connectTimeout))
	if _, err := s.conn.Write(encrypted); err != nil {
		s.log.Debug("dh packet send failed", zap.Error(err))
		s.Close()
		return err
	}

	s.setState(StateWaitingForDummyPacket)
	s.handshakeStartedAt = time.Now()

	s.group.Go(s.recvLoop)
	s.group.Go(s.sendLoop)
	s.group.Go(s.healthLoop)
	s.group.Go(s.dispatchLoop)

	err = s.group.Wait()
	s.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Send queues frame (an already-finalized codec.Packet's bytes) for the
// send loop to encrypt (if applicable) and write. It blocks when the
// queue is full, honoring cancellation (spec.md §4.G outbound pipeline:
// "producer blocks when full").
func (s *Session) Send(frame []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// Close idempotently tears the connection down: cancels the context,
// closes the socket, and lets every task observe ctx.Done().
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.setState(StateDisconnected)
		s.cancel()
		s.conn.Close()
	})
}

func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// disconnect logs reason and closes the connection. It never panics or
// blocks — callers just return after calling it.
func (s *Session) disconnect(reason error) {
	if !s.closed.Load() {
		s.log.Info("disconnecting", zap.Error(reason), zap.String("state", s.State().String()))
	}
	s.Close()
}

// --- receive loop --------------------------------------------------------

func (s *Session) recvLoop() error {
	defer s.Close()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}

		for i := 0; i < framesPerIter; i++ {
			if err := s.recvOneFrame(); err != nil {
				if errors.Is(err, io.EOF) || s.closed.Load() {
					return nil
				}
				s.disconnect(err)
				return nil
			}
		}
	}
}

func (s *Session) recvOneFrame() error {
	s.conn.SetReadDeadline(time.Now().Add(idleTimeout))

	switch s.State() {
	case StateWaitingForDummyPacket:
		return s.recvDummyFrame()
	case StateDhKeyExchange:
		return s.recvDhResponseFrame()
	case StateConnected:
		return s.recvConnectedFrame()
	default:
		return ErrClosed
	}
}

// readExact reads n bytes, no crypto involved.
func (s *Session) readExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(s.conn, buf)
	return buf, err
}

// readRawFrame reads a 2-byte LE "extra length" header followed by that
// many bytes, both undecrypted, and returns header+body concatenated.
// totalSize (header + extra) is validated against the protocol bounds.
func (s *Session) readRawFrame() ([]byte, error) {
	hdr, err := s.readExact(2)
	if err != nil {
		return nil, err
	}
	extra := int(binary.LittleEndian.Uint16(hdr))
	total := extra + 2
	if total < codec.MinPacketSize || total > codec.MaxPacketSize {
		return nil, fmt.Errorf("%w: size %d", ErrFrameOutOfBounds, total)
	}
	body, err := s.readExact(extra)
	if err != nil {
		return nil, err
	}
	return append(hdr, body...), nil
}

func (s *Session) recvDummyFrame() error {
	if _, err := s.readRawFrame(); err != nil {
		return err
	}
	s.touchActivity()
	s.setState(StateDhKeyExchange)
	s.handshakeStartedAt = time.Now()
	return nil
}

func (s *Session) recvDhResponseFrame() error {
	if time.Since(s.handshakeStartedAt) > handshakeTimeout {
		return ErrHandshakeTimeout
	}

	raw, err := s.readRawFrame()
	if err != nil {
		return err
	}
	s.touchActivity()

	decrypted := append([]byte(nil), raw...)
	s.cipher.Decrypt(decrypted)
	// The raw frame's u16 prefix counts only the bytes after it, while
	// codec.Packet bounds reads by a declared length that includes the
	// prefix; restamp it with the full frame length so the key record
	// may run to the frame's last byte.
	binary.LittleEndian.PutUint16(decrypted[0:2], uint16(len(decrypted)))

	pkt := codec.NewPacketFromBytes(decrypted)
	keyHex, ok := pkt.TryExtractDHKey()
	if !ok {
		return ErrBadHandshake
	}
	if err := s.dh.HandleClientResponse(keyHex); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	sessionKey, err := s.dh.DeriveEncryptionKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	if err := s.cipher.GenerateKey(sessionKey); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHandshake, err)
	}
	s.cipher.Reset()
	s.setState(StateConnected)
	return nil
}

func (s *Session) recvConnectedFrame() error {
	if !s.byteLimiter.Allow() {
		return ErrByteRateExceeded
	}

	var headerPlain []byte
	if s.pendingHeader != nil {
		headerPlain = s.pendingHeader
		s.pendingHeader = nil
	} else {
		hdr, err := s.readExact(2)
		if err != nil {
			return err
		}
		s.cipher.Decrypt(hdr)
		headerPlain = hdr
	}

	declared := int(binary.LittleEndian.Uint16(headerPlain))
	total := declared + codec.SignatureLen
	if err := codec.ValidateFrameSize(total); err != nil {
		return err
	}
	if !s.byteLimiter.AllowN(time.Now(), total) {
		return ErrByteRateExceeded
	}

	rest, err := s.readExact(total - 2)
	if err != nil {
		s.pendingHeader = headerPlain
		return err
	}
	s.cipher.Decrypt(rest)
	s.touchActivity()

	full := append(append([]byte(nil), headerPlain...), rest...)
	pkt := codec.NewPacketFromBytes(full)
	if !pkt.IsComplete() || !pkt.IsClientPacket() {
		return s.nonFatalError(fmt.Errorf("malformed frame"))
	}

	if !s.packetLimiter.Allow() {
		return ErrPacketRateExceeded
	}
	flooded, diversityExceeded := s.flood.observe(time.Now(), pkt.PacketType())
	if flooded {
		return ErrFloodDetected
	}
	if diversityExceeded {
		s.log.Warn("packet type diversity threshold exceeded", zap.Uint64("client_id", s.ID))
	}

	s.consecErrors.Store(0)
	return s.enqueueForDispatch(pkt)
}

// nonFatalError records a non-fatal decode error; five in a row is
// promoted to a fatal disconnect (spec.md §4.G).
func (s *Session) nonFatalError(err error) error {
	n := s.consecErrors.Add(1)
	if n >= maxConsecutiveErrors {
		return fmt.Errorf("%w: %v", ErrTooManyErrors, err)
	}
	s.log.Debug("non-fatal decode error", zap.Error(err))
	return nil
}

// enqueueForDispatch hands a decoded packet to the dispatch drain
// goroutine via the per-client queue, preserving in-arrival-order
// processing for this client (spec.md §4.H "Ordering").
func (s *Session) enqueueForDispatch(pkt *codec.Packet) error {
	select {
	case s.dispatchQueue <- pkt:
		return nil
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// --- send loop ------------------------------------------------------------

func (s *Session) sendLoop() error {
	defer s.Close()
	for {
		select {
		case frame := <-s.sendCh:
			if err := s.writeFrame(frame); err != nil {
				return nil
			}
		case <-s.ctx.Done():
			return nil
		}
	}
}

func (s *Session) writeFrame(frame []byte) error {
	out := frame
	if s.State() == StateConnected && s.cipher.IsInitialized() {
		out = append([]byte(nil), frame...)
		s.cipher.Encrypt(out)
	}

	var lastErr error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		s.conn.SetWriteDeadline(time.Now().Add(connectTimeout))
		_, err := s.conn.Write(out)
		if err == nil {
			return nil
		}
		lastErr = err
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			break
		}
		time.Sleep(time.Duration(attempt+1) * writeRetryUnit)
	}
	if !s.closed.Load() {
		s.log.Debug("write failed", zap.Error(lastErr))
	}
	return lastErr
}

// --- health monitor ---------------------------------------------------------

func (s *Session) healthLoop() error {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	lastDiversityReset := time.Now()
	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, s.lastActivityAt.Load())
			if time.Since(last) > idleTimeout {
				s.disconnect(fmt.Errorf("idle timeout"))
				return nil
			}
			if s.State() == StateWaitingForDummyPacket || s.State() == StateDhKeyExchange {
				if time.Since(s.handshakeStartedAt) > handshakeTimeout {
					s.disconnect(ErrHandshakeTimeout)
					return nil
				}
			}
			now := time.Now()
			if now.Sub(lastDiversityReset) >= diversityResetPeriod {
				s.flood.resetDiversity(now)
				lastDiversityReset = now
			}
		case <-s.ctx.Done():
			return nil
		}
	}
}

// --- dispatch drain ---------------------------------------------------------

func (s *Session) dispatchLoop() error {
	for {
		select {
		case pkt := <-s.dispatchQueue:
			if err := s.dispatcher.Dispatch(s.ctx, s.ID, pkt); err != nil {
				s.log.Warn("handler error", zap.Error(err))
			}
		case <-s.ctx.Done():
			return nil
		}
	}
}
