// Package crypto implements the key handling used to exchange NIP-04 direct
// messages: public key derivation, ECDH shared secrets, payload
// encryption/decryption and BIP-340 signing of event hashes.
//
// Keys are hex strings as they appear on the wire and in the accounts table.
package crypto

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

var (
	// ErrInvalidKey is returned for keys that are not 32-byte hex strings.
	ErrInvalidKey = errors.New("invalid key")
	// ErrKeyMismatch is returned when a stored public key does not derive
	// from the stored private key.
	ErrKeyMismatch = errors.New("public key does not match private key")
	// ErrInvalidHash is returned when SignHash is given anything but 32 bytes.
	ErrInvalidHash = errors.New("hash must be 32 bytes")
	// ErrDecrypt wraps every decryption failure (wrong key, corrupt payload).
	ErrDecrypt = errors.New("decrypt failed")
)

// GenerateKey returns a fresh (private, public) hex keypair.
func GenerateKey() (string, string, error) {
	sk := nostr.GeneratePrivateKey()
	pk, err := PublicKey(sk)
	if err != nil {
		return "", "", err
	}
	return sk, pk, nil
}

// PublicKey derives the x-only public key for a hex private key.
func PublicKey(privateKey string) (string, error) {
	priv, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), nil
}

// CheckKeypair verifies that publicKey derives from privateKey.
func CheckKeypair(privateKey, publicKey string) error {
	derived, err := PublicKey(privateKey)
	if err != nil {
		return err
	}
	if derived != publicKey {
		return ErrKeyMismatch
	}
	return nil
}

// SharedSecret derives the ECDH secret between an account key and a peer's
// public key. SharedSecret(a, B) == SharedSecret(b, A).
func SharedSecret(privateKey, peerPublicKey string) ([]byte, error) {
	if _, err := parsePrivateKey(privateKey); err != nil {
		return nil, err
	}
	if !isHex32(peerPublicKey) {
		return nil, fmt.Errorf("%w: peer public key", ErrInvalidKey)
	}
	secret, err := nip04.ComputeSharedSecret(peerPublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return secret, nil
}

// Encrypt produces a NIP-04 payload ("<base64 ciphertext>?iv=<base64 iv>").
func Encrypt(secret []byte, plaintext string) (string, error) {
	return nip04.Encrypt(plaintext, secret)
}

// Decrypt opens a NIP-04 payload. Any failure, including a panic inside the
// cipher on malformed padding, is reported as ErrDecrypt.
func Decrypt(secret []byte, content string) (plaintext string, err error) {
	defer func() {
		if r := recover(); r != nil {
			plaintext, err = "", fmt.Errorf("%w: %v", ErrDecrypt, r)
		}
	}()
	plaintext, err = nip04.Decrypt(content, secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// EncryptFor encrypts plaintext from the owner of privateKey to peerPublicKey.
func EncryptFor(privateKey, peerPublicKey, plaintext string) (string, error) {
	secret, err := SharedSecret(privateKey, peerPublicKey)
	if err != nil {
		return "", err
	}
	return Encrypt(secret, plaintext)
}

// DecryptFrom decrypts content exchanged between privateKey's owner and peerPublicKey.
func DecryptFrom(privateKey, peerPublicKey, content string) (string, error) {
	secret, err := SharedSecret(privateKey, peerPublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return Decrypt(secret, content)
}

// SignHash signs a 32-byte digest with BIP-340 Schnorr. Signing is
// deterministic for a given key and digest.
func SignHash(privateKey string, hash []byte) (string, error) {
	if len(hash) != 32 {
		return "", ErrInvalidHash
	}
	priv, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", err
	}
	sig, err := schnorr.Sign(priv, hash)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

func parsePrivateKey(privateKey string) (*btcec.PrivateKey, error) {
	if !isHex32(privateKey) {
		return nil, fmt.Errorf("%w: private key", ErrInvalidKey)
	}
	b, _ := hex.DecodeString(privateKey)
	priv, _ := btcec.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return nil, fmt.Errorf("%w: private key is zero", ErrInvalidKey)
	}
	return priv, nil
}

func isHex32(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
