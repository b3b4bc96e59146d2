package raop

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// airplayPublicKeyPEM is the fixed 2048-bit RSA public key every AirPlay 1
// receiver uses to unwrap the AES session key sent in ANNOUNCE's
// a=rsaaeskey attribute. It is not a secret: every RAOP sender and
// receiver ships the same modulus, published across the open-source
// AirPlay client implementations this protocol was reverse engineered
// from.
const airplayPublicKeyPEM = `-----BEGIN PUBLIC KEY-----
MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA59dE8qLieItsH1WgjrcF
RKj6eUWqi+bGLOX1HL3U3GhC/j0Qg90u3sG/1CUtwC5vOYvfDmFI6oSFXi5ELabW
JmT2dKHzBJKa3k9ok+8t9ucRqMd6DZHJ2YCCLlDRKSKv6kDqnw4UwPdpOMXziC/A
Mj3Z/lUVX1G7WSHCAWKf1zNS1eLvqr+boEjXuBOitnZ/bDzPHrTOZz0Dew0uowxf
/+sG+NU4Q4Rzke9HgMmaSj+GLm6VhMYvjDEF1fe22o46cdWeM6Q+HIDFeTgE9ZwP
bG7OWHIwkJqM9fGQeJ1XsxQG9/RAKoBFvGBYeu1lZu6kX6Xa/O5VHQPvEuJUUExN
wQIDAQAB
-----END PUBLIC KEY-----`

func airplayPublicKey() (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(airplayPublicKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("raop: failed to decode embedded AirPlay public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("raop: embedded key is not RSA")
	}
	return rsaPub, nil
}

// newAESSessionKey generates a fresh random AES-128 key and IV for one
// RAOP session's CBC-encrypted audio.
func newAESSessionKey() (key, iv []byte, err error) {
	key = make([]byte, 16)
	iv = make([]byte, aes.BlockSize)
	if _, err = rand.Read(key); err != nil {
		return nil, nil, err
	}
	if _, err = rand.Read(iv); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

// rsaEncryptSessionKey wraps key under the fixed AirPlay public key with
// RSA-OAEP-SHA1, base64-encoding the result without padding as the
// a=rsaaeskey attribute requires.
func rsaEncryptSessionKey(key []byte) (string, error) {
	pub, err := airplayPublicKey()
	if err != nil {
		return "", err
	}
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", err
	}
	return base64NoPad(ciphertext), nil
}

func base64NoPad(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

// encryptALACPayload encrypts the block-aligned prefix of an ALAC payload
// with AES-128-CBC, per packet, from a freshly initialised cipher: iv is
// never chained forward, matching "IV reset per packet". Any trailing
// partial block (the payload length is rarely a multiple of 16) is left
// in cleartext, the same truncation RAOP senders have always used since
// the format predates any general-purpose padding scheme.
func encryptALACPayload(payload, key, iv []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(payload))
	copy(out, payload)

	n := (len(payload) / aes.BlockSize) * aes.BlockSize
	if n > 0 {
		ivCopy := make([]byte, len(iv))
		copy(ivCopy, iv)
		cipher.NewCBCEncrypter(block, ivCopy).CryptBlocks(out[:n], payload[:n])
	}
	return out, nil
}
