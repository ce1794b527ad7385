// Package cryptox implements field-level encryption for protected values
// (patient identifiers, names, serial numbers, free-text comments) using
// AES-256-GCM with a fresh random nonce per value.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
)

// FieldState tags the outcome of a field decryption attempt so callers get
// an explicit signal instead of an ambiguous string.
type FieldState int

const (
	// FieldDecrypted means the value was decrypted successfully.
	FieldDecrypted FieldState = iota
	// FieldPlaintext means the value was stored without encryption
	// (legacy or partial migration) and is passed through as-is.
	FieldPlaintext
	// FieldFailed means decryption was attempted and failed; the raw
	// stored bytes are passed through and the caller should log a warning.
	FieldFailed
)

// FieldResult is the tagged result of DecryptField.
type FieldResult struct {
	Value string
	State FieldState
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptField encrypts a single protected value with AES-GCM.
//
// The key must be a valid AES key length (32 bytes for AES-256). A new
// random 12-byte nonce is generated for each value; ciphertext and nonce
// are returned separately so they can be stored in adjacent columns.
func EncryptField(value string, key []byte) (ciphertext, nonce []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	ciphertext = aesgcm.Seal(nil, nonce, []byte(value), nil)
	return ciphertext, nonce, nil
}

// DecryptField reverses EncryptField.
//
// A missing nonce marks a value that was never encrypted: it is returned
// unchanged with state FieldPlaintext. A failed authentication or cipher
// error degrades to passing the stored bytes through with state FieldFailed;
// it never fails the read.
func DecryptField(ciphertext, nonce, key []byte) FieldResult {
	if len(nonce) == 0 {
		return FieldResult{Value: string(ciphertext), State: FieldPlaintext}
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return FieldResult{Value: string(ciphertext), State: FieldFailed}
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return FieldResult{Value: string(ciphertext), State: FieldFailed}
	}

	return FieldResult{Value: string(plaintext), State: FieldDecrypted}
}
