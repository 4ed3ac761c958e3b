package codec

import (
	"encoding/binary"
	"math"
)

// Wire constants from spec.md §3/§4.A.
const (
	MinPacketSize = 10   // header (4) + signature (8) - 2, see IsComplete
	MaxPacketSize = 1024 // inclusive of signature
	SignatureLen  = 8

	initialCapacity = 1024
)

// Client and server trailing signatures, exactly 8 ASCII bytes.
var (
	ClientSignature = [SignatureLen]byte{'T', 'Q', 'C', 'l', 'i', 'e', 'n', 't'}
	ServerSignature = [SignatureLen]byte{'T', 'Q', 'S', 'e', 'r', 'v', 'e', 'r'}
)

// Packet is a length-prefixed binary frame:
//
//	offset 0: u16 declared_length (header + payload, excludes signature)
//	offset 2: u16 packet_type
//	offset 4: payload[declared_length-4]
//	offset declared_length: 8-byte signature
//
// A Packet can be built incrementally (Write* calls append to buf, then
// Finalize patches the header and appends the signature) or parsed from a
// received buffer (NewPacketFromBytes, then Read* calls walk the cursor).
type Packet struct {
	buf []byte
	off int
}

// NewPacket creates an empty packet ready for writing. The first 4 bytes
// are reserved for the header and patched by Finalize.
func NewPacket() *Packet {
	p := &Packet{buf: make([]byte, 4, initialCapacity)}
	return p
}

// NewPacketFromBytes wraps an existing complete frame (header + payload +
// signature) for reading. The cursor starts at offset 4, past the header.
func NewPacketFromBytes(data []byte) *Packet {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Packet{buf: buf, off: 4}
}

// DeclaredLength returns the u16 at offset 0.
func (p *Packet) DeclaredLength() uint16 {
	if len(p.buf) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(p.buf[0:2])
}

// PacketType returns the u16 at offset 2.
func (p *Packet) PacketType() uint16 {
	if len(p.buf) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint16(p.buf[2:4])
}

// Bytes returns the full underlying buffer (header + payload + signature
// once finalized).
func (p *Packet) Bytes() []byte {
	return p.buf
}

// Len returns the number of bytes currently in the buffer.
func (p *Packet) Len() int {
	return len(p.buf)
}

// --- position management ---------------------------------------------

// Seek moves the cursor to an absolute offset. It does not validate
// bounds; out-of-bounds reads after Seek return ErrOutOfBounds. Writes
// always append to the end of the buffer and ignore the cursor.
func (p *Packet) Seek(pos int) {
	p.off = pos
}

// Skip advances the cursor by n bytes (n may be negative).
func (p *Packet) Skip(n int) {
	p.off += n
}

// SeekToPayload moves the cursor to offset 4+offset, i.e. `offset` bytes
// into the payload section.
func (p *Packet) SeekToPayload(offset int) {
	p.off = 4 + offset
}

// Offset returns the current cursor position.
func (p *Packet) Offset() int {
	return p.off
}

// payloadLimit is the exclusive upper bound for reads: declared_length,
// or the buffer length before a signature has been appended.
func (p *Packet) payloadLimit() int {
	if dl := int(p.DeclaredLength()); dl >= 4 && dl <= len(p.buf) {
		return dl
	}
	return len(p.buf)
}

func (p *Packet) checkRead(n int) error {
	if p.off < 0 || p.off+n > p.payloadLimit() {
		return ErrOutOfBounds
	}
	return nil
}

func (p *Packet) checkWrite(n int) error {
	if len(p.buf)+n > MaxPacketSize {
		return ErrOverflow
	}
	return nil
}

// --- primitive readers --------------------------------------------------

func (p *Packet) ReadU8() (byte, error) {
	if err := p.checkRead(1); err != nil {
		return 0, err
	}
	v := p.buf[p.off]
	p.off++
	return v, nil
}

func (p *Packet) ReadU16() (uint16, error) {
	if err := p.checkRead(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(p.buf[p.off:])
	p.off += 2
	return v, nil
}

func (p *Packet) ReadU32() (uint32, error) {
	if err := p.checkRead(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(p.buf[p.off:])
	p.off += 4
	return v, nil
}

func (p *Packet) ReadU64() (uint64, error) {
	if err := p.checkRead(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(p.buf[p.off:])
	p.off += 8
	return v, nil
}

func (p *Packet) ReadI32() (int32, error) {
	v, err := p.ReadU32()
	return int32(v), err
}

func (p *Packet) ReadF32() (float32, error) {
	v, err := p.ReadU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (p *Packet) ReadF64() (float64, error) {
	v, err := p.ReadU64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// ReadBytes reads n raw bytes.
func (p *Packet) ReadBytes(n int) ([]byte, error) {
	if err := p.checkRead(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, p.buf[p.off:p.off+n])
	p.off += n
	return b, nil
}

// ReadString reads a fixed-width field as UTF-8, stopping at the first NUL
// within the field (or at fixedLen if none is found).
func (p *Packet) ReadString(fixedLen int) (string, error) {
	raw, err := p.ReadBytes(fixedLen)
	if err != nil {
		return "", err
	}
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i]), nil
		}
	}
	return string(raw), nil
}

// --- primitive writers --------------------------------------------------

func (p *Packet) WriteU8(v byte) error {
	if err := p.checkWrite(1); err != nil {
		return err
	}
	p.buf = append(p.buf, v)
	return nil
}

func (p *Packet) WriteU16(v uint16) error {
	if err := p.checkWrite(2); err != nil {
		return err
	}
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	p.buf = append(p.buf, b[:]...)
	return nil
}

func (p *Packet) WriteU32(v uint32) error {
	if err := p.checkWrite(4); err != nil {
		return err
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	p.buf = append(p.buf, b[:]...)
	return nil
}

func (p *Packet) WriteU64(v uint64) error {
	if err := p.checkWrite(8); err != nil {
		return err
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	p.buf = append(p.buf, b[:]...)
	return nil
}

func (p *Packet) WriteI32(v int32) error {
	return p.WriteU32(uint32(v))
}

func (p *Packet) WriteF32(v float32) error {
	return p.WriteU32(math.Float32bits(v))
}

func (p *Packet) WriteF64(v float64) error {
	return p.WriteU64(math.Float64bits(v))
}

func (p *Packet) WriteBytes(b []byte) error {
	if err := p.checkWrite(len(b)); err != nil {
		return err
	}
	p.buf = append(p.buf, b...)
	return nil
}

// WriteString writes s as UTF-8 bytes followed by a NUL terminator, padded
// or truncated to exactly fixedLen bytes including the terminator.
func (p *Packet) WriteString(s string, fixedLen int) error {
	if fixedLen <= 0 {
		return p.WriteBytes(nil)
	}
	field := make([]byte, fixedLen)
	raw := []byte(s)
	n := len(raw)
	if n > fixedLen-1 {
		n = fixedLen - 1
	}
	copy(field, raw[:n])
	return p.WriteBytes(field)
}

// --- finalization --------------------------------------------------------

// Finalize patches the header (declared_length, packet_type) and appends
// the trailing signature, completing a packet built with Write* calls.
// declared_length is set to the number of bytes written before the
// signature (header + payload), matching spec.md §4.A exactly.
func (p *Packet) Finalize(packetType uint16, signature [SignatureLen]byte) error {
	declaredLength := len(p.buf)
	if declaredLength+SignatureLen > MaxPacketSize {
		return ErrOverflow
	}
	binary.LittleEndian.PutUint16(p.buf[0:2], uint16(declaredLength))
	binary.LittleEndian.PutUint16(p.buf[2:4], packetType)
	p.buf = append(p.buf, signature[:]...)
	return nil
}

// --- completeness / signature checks -------------------------------------

// IsComplete reports whether the buffer holds a well-formed frame per
// spec.md §4.A: declared_length >= 4, total bytes >= declared_length+8,
// and the trailing 8 bytes equal a known signature.
func (p *Packet) IsComplete() bool {
	dl := int(p.DeclaredLength())
	if dl < 4 {
		return false
	}
	if len(p.buf) < dl+SignatureLen {
		return false
	}
	return p.IsClientPacket() || p.IsServerPacket()
}

func (p *Packet) trailingSignature() []byte {
	dl := int(p.DeclaredLength())
	if dl < 4 || len(p.buf) < dl+SignatureLen {
		return nil
	}
	return p.buf[dl : dl+SignatureLen]
}

// IsClientPacket reports whether the trailing signature is "TQClient".
func (p *Packet) IsClientPacket() bool {
	sig := p.trailingSignature()
	return sig != nil && string(sig) == string(ClientSignature[:])
}

// IsServerPacket reports whether the trailing signature is "TQServer".
func (p *Packet) IsServerPacket() bool {
	sig := p.trailingSignature()
	return sig != nil && string(sig) == string(ServerSignature[:])
}

// TryExtractDHKey reads a length-prefixed ASCII string at a self-describing
// offset, per spec.md §4.A: read an i32 at position 11 to get
// offset = read + 4 + 11, seek there, read an i32 key_size, then read
// key_size bytes as ASCII. Any bound failure restores the cursor and
// returns ok=false.
func (p *Packet) TryExtractDHKey() (key string, ok bool) {
	saved := p.off
	restore := func() { p.off = saved }

	p.Seek(11)
	read, err := p.ReadI32()
	if err != nil {
		restore()
		return "", false
	}

	offset := int(read) + 4 + 11
	p.Seek(offset)
	keySize, err := p.ReadI32()
	if err != nil {
		restore()
		return "", false
	}
	if keySize < 0 || keySize > MaxPacketSize {
		restore()
		return "", false
	}
	raw, err := p.ReadBytes(int(keySize))
	if err != nil {
		restore()
		return "", false
	}
	restore()
	return string(raw), true
}

// ValidateFrameSize checks a declared total frame size (including the
// 8-byte signature) against the protocol bounds, used by the connection
// state machine before allocating scratch buffers for an incoming frame.
func ValidateFrameSize(totalSize int) error {
	if totalSize < MinPacketSize {
		return ErrFrameTooSmall
	}
	if totalSize > MaxPacketSize {
		return ErrFrameTooLarge
	}
	return nil
}
