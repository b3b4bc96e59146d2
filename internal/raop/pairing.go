package raop

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// pairVerifyContext holds one device's ephemeral pair-verify handshake
// state, live only for the duration of the two-message exchange that
// derives a session key from a previously persisted long-term auth key.
type pairVerifyContext struct {
	ephemeralPriv [32]byte
	ephemeralPub  [32]byte
	sharedSecret  [32]byte
}

// newPairVerifyContext generates the sender's ephemeral Curve25519
// keypair for message one of pair-verify.
func newPairVerifyContext() (*pairVerifyContext, error) {
	ctx := &pairVerifyContext{}
	if _, err := rand.Read(ctx.ephemeralPriv[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(ctx.ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(ctx.ephemeralPub[:], pub)
	return ctx, nil
}

// deriveSharedSecret completes the ECDH exchange against the device's
// ephemeral public key returned in message one's response.
func (c *pairVerifyContext) deriveSharedSecret(devicePub []byte) error {
	secret, err := curve25519.X25519(c.ephemeralPriv[:], devicePub)
	if err != nil {
		return err
	}
	copy(c.sharedSecret[:], secret)
	return nil
}

// pairVerifyAEAD wraps a ChaCha20-Poly1305 cipher derived from the
// pair-verify shared secret so callers only ever see Seal/Open.
type pairVerifyAEAD struct {
	cipher interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// sessionAEAD derives the AEAD from the ECDH shared secret via
// HKDF-SHA512, matching the pair-verify key-derivation info strings used
// by the HomeKit-derived pairing protocol AirPlay 2 devices speak.
func (c *pairVerifyContext) sessionAEAD() (*pairVerifyAEAD, error) {
	kdf := hkdf.New(sha512.New, c.sharedSecret[:], []byte("Pair-Verify-Encrypt-Salt"), []byte("Pair-Verify-Encrypt-Info"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return &pairVerifyAEAD{cipher: aead}, nil
}

func (a *pairVerifyAEAD) Seal(nonce, plaintext []byte) []byte {
	return a.cipher.Seal(nil, nonce, plaintext, nil)
}

func (a *pairVerifyAEAD) Open(nonce, ciphertext []byte) ([]byte, error) {
	return a.cipher.Open(nil, nonce, ciphertext, nil)
}

// signWithLongTermKey signs data with the persisted Ed25519 auth key from
// a completed pair-setup, authenticating message two of pair-verify.
func signWithLongTermKey(priv ed25519.PrivateKey, data []byte) []byte {
	return ed25519.Sign(priv, data)
}
