package crypto

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
)

// DHPrimeHex and DHGeneratorHex are the fixed Diffie-Hellman parameters,
// exactly as spec.md §4.B describes: a 64-hex-char prime and generator
// "05". Both sides of the handshake hardcode these; only the private
// exponents are random per-connection.
const (
	DHPrimeHex     = "EFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74"
	DHGeneratorHex = "05"
)

var (
	dhPrime     = mustParseHex(DHPrimeHex)
	dhGenerator = mustParseHex(DHGeneratorHex)
)

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("crypto: invalid fixed DH constant " + s)
	}
	return n
}

// Exchange holds one connection's Diffie-Hellman state: its private
// exponent and (once the client responds) the derived shared secret.
type Exchange struct {
	priv   *big.Int
	pub    *big.Int // G^priv mod P
	shared *big.Int
}

// NewExchange generates a fresh private exponent and its public value.
func NewExchange() (*Exchange, error) {
	priv, err := rand.Int(rand.Reader, dhPrime)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate dh private exponent: %w", err)
	}
	if priv.Sign() == 0 {
		priv.SetInt64(1)
	}
	pub := new(big.Int).Exp(dhGenerator, priv, dhPrime)
	return &Exchange{priv: priv, pub: pub}, nil
}

// CreateKeyExchangePacket serializes the handshake packet spec.md §4.B and
// §6 require bit-exact: an 11-byte reserved region, a u32 payload size,
// then three u32-length-prefixed ASCII-hex records (P, G, A), followed by
// the trailing server signature. Unlike a normal Packet, this frame's
// header is NOT patched by the generic Finalize convention — it carries
// its own payload_size field instead of declared_length/packet_type.
func (e *Exchange) CreateKeyExchangePacket() []byte {
	buf := make([]byte, 11) // initial reserved region
	buf = append(buf, make([]byte, 4)...)
	bodyStart := len(buf)

	writeRecord := func(s string) {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, []byte(s)...)
	}
	writeRecord(DHPrimeHex)
	writeRecord(DHGeneratorHex)
	writeRecord(e.pub.Text(16))

	payloadSize := len(buf) - bodyStart
	binary.LittleEndian.PutUint32(buf[11:15], uint32(payloadSize))

	buf = append(buf, 'T', 'Q', 'S', 'e', 'r', 'v', 'e', 'r')
	return buf
}

// HandleClientResponse parses the client's public value (ASCII hex) and
// computes the shared secret s = B^a mod P.
func (e *Exchange) HandleClientResponse(clientPublicHex string) error {
	b, ok := new(big.Int).SetString(clientPublicHex, 16)
	if !ok || b.Sign() <= 0 || b.Cmp(dhPrime) >= 0 {
		return &Error{Code: CodeBadDhResponse, Msg: "invalid client public value"}
	}
	e.shared = new(big.Int).Exp(b, e.priv, dhPrime)
	return nil
}

// DeriveEncryptionKey computes the 64-byte session key from the shared
// secret, matching spec.md §4.B exactly:
//
//	s_hex  = hex(s)
//	s1     = hex(MD5(ASCII(s_hex)[:firstZeroByte]))
//	s2     = hex(MD5(ASCII(s1 + s1)))
//	key    = ASCII(s1 + s2)   // 64 bytes
//
// This construction must be preserved bit-for-bit; it is not a generic
// KDF and should not be "simplified".
func (e *Exchange) DeriveEncryptionKey() ([]byte, error) {
	if e.shared == nil {
		return nil, &Error{Code: CodeNotInitialized, Msg: "shared secret not computed"}
	}
	sHex := e.shared.Text(16)
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

	return []byte(s1 + s2), nil
}
