// Package crypto implements the connection cipher (a CAST5-backed
// keystream with independent per-direction state) and the
// Diffie-Hellman key exchange used to derive its session key.
package crypto

import (
	"encoding/binary"

	"golang.org/x/crypto/cast5"
)

// direction holds the keystream cursor for one traffic direction
// (encrypt or decrypt). The two directions never share state, which is
// what makes the cipher safe to use on a full-duplex connection: the
// client's send stream and the server's send stream advance
// independently even though both derive from the same session key.
type direction struct {
	block   *cast5.Cipher
	counter uint64
	offset  int // 0..8, position within the cached keystream block
	stream  [8]byte
}

func (d *direction) reset() {
	d.counter = 0
	d.offset = 0
	d.stream = [8]byte{}
}

// nextByte returns the next keystream byte for this direction, advancing
// its internal counter/offset.
func (d *direction) nextByte() byte {
	if d.offset == 0 {
		var ctr [8]byte
		binary.BigEndian.PutUint64(ctr[:], d.counter)
		d.block.Encrypt(d.stream[:], ctr[:])
	}
	b := d.stream[d.offset]
	d.offset++
	if d.offset == cast5.BlockSize {
		d.offset = 0
		d.counter++
	}
	return b
}

func (d *direction) xor(data []byte) {
	for i := range data {
		data[i] ^= d.nextByte()
	}
}

// Cipher is the connection's symmetric cipher: a CAST5 block cipher run
// as a counter-mode keystream generator, with independent offsets for
// the encrypt and decrypt directions (spec.md §4.B).
type Cipher struct {
	enc         direction
	dec         direction
	initialized bool
}

// NewCipher returns an uninitialized cipher. GenerateKey must be called
// before Encrypt/Decrypt are used.
func NewCipher() *Cipher {
	return &Cipher{}
}

// normalizeKey pads or truncates seed to a valid CAST5 key length (5-16
// bytes); this cipher always uses a 16-byte key for maximum strength.
func normalizeKey(seed []byte) []byte {
	key := make([]byte, 16)
	copy(key, seed)
	return key
}

// GenerateKey sets (or resets) the per-direction key from seed bytes and
// zeroes both keystream offsets. Called twice in a connection's
// lifetime: once with the fixed bootstrap key on accept, and once with
// the DH-derived session key after the client's DH response.
func (c *Cipher) GenerateKey(seed []byte) error {
	block, err := cast5.NewCipher(normalizeKey(seed))
	if err != nil {
		return &Error{Code: CodeNotInitialized, Msg: err.Error()}
	}
	c.enc = direction{block: block}
	c.dec = direction{block: block}
	c.initialized = true
	return nil
}

// Reset zeroes both keystream offsets without re-keying. Any material
// encrypted before Reset is no longer decryptable, since the keystream
// restarts from the beginning of the counter sequence (spec.md §8
// invariant 4).
func (c *Cipher) Reset() {
	c.enc.reset()
	c.dec.reset()
}

// IsInitialized reports whether GenerateKey has been called at least
// once.
func (c *Cipher) IsInitialized() bool {
	return c.initialized
}

// Encrypt XORs data in place against the encrypt-direction keystream and
// returns it.
func (c *Cipher) Encrypt(data []byte) []byte {
	c.enc.xor(data)
	return data
}

// Decrypt XORs data in place against the decrypt-direction keystream and
// returns it. Because both directions derive deterministically from the
// same key, Decrypt(Encrypt(x)) == x whenever both start from the same
// reset state, regardless of how the bytes were chunked across calls
// (spec.md §8 invariant 3).
func (c *Cipher) Decrypt(data []byte) []byte {
	c.dec.xor(data)
	return data
}
