package manualmap

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Sealed images are laid out as nonce || ciphertext, where the ciphertext is
// the PE file sealed with ChaCha20-Poly1305 under blake2b-256(password).

// OpenSealed reads and decrypts the sealed image at path.
func OpenSealed(path, password string) (*Source, error) {
	if err := checkRegularFile(path); err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	plaintext, err := Unseal(sealed, password)
	if err != nil {
		return nil, err
	}

	return NewSource(path, plaintext), nil
}

// Unseal decrypts a sealed image and checks it wasn't tampered with.
func Unseal(sealed []byte, password string) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: sealed image is too small", ErrInvalidInput)
	}

	nonce, ciphertext := sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:]

	aead, err := newAEAD(password)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unsealing image: %v", ErrInvalidInput, err)
	}
	return plaintext, nil
}

// Seal encrypts plaintext with a fresh random nonce.
func Seal(plaintext []byte, password string) ([]byte, error) {
	aead, err := newAEAD(password)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func newAEAD(password string) (cipher.AEAD, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty key", ErrInvalidInput)
	}

	kd := blake2b.Sum256([]byte(password))
	aead, err := chacha20poly1305.New(kd[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return aead, nil
}
