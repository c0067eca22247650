/*
Copyright 2021-2025 Universität Tübingen, DKFZ, EMBL, and Universität zu Köln
for the German Human Genome-Phenome Archive (GHGA)

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package crypt implements the cryptographic primitives of the work
// package service: Crypt4GH public key validation, sealed-box encryption
// of issued tokens, opaque access token generation and hashing, and
// ES256 signing of work order tokens.
package crypt

import (
	"crypto/rand"
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size of a raw Curve25519 public key in bytes.
const KeySize = 32

var (
	rePEMPrivate = regexp.MustCompile(`-.*PRIVATE.*-`)
	rePEMPublic  = regexp.MustCompile(`-----(BEGIN|END) CRYPT4GH PUBLIC KEY-----`)
)

// ValidatePublicKey validates a base64 encoded Crypt4GH public key.
//
// An optional CRYPT4GH PUBLIC KEY PEM wrapper is stripped; anything that
// looks like a private key wrapper is rejected. The returned string is the
// unwrapped base64 form which callers are expected to persist.
func ValidatePublicKey(key string) (string, error) {
	if key == "" {
		return "", trace.BadParameter("key must be a non-empty string")
	}
	if rePEMPrivate.MatchString(key) {
		return "", trace.BadParameter("do not pass a private key")
	}
	key = strings.TrimSpace(rePEMPublic.ReplaceAllString(key, ""))
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", trace.BadParameter("key is not valid base64")
	}
	if len(raw) != KeySize {
		return "", trace.BadParameter("key must be %d bytes long", KeySize)
	}
	return key, nil
}

// Seal encrypts the given plaintext into an anonymous NaCl sealed box for
// the recipient's base64 encoded Curve25519 public key and returns the
// base64 encoded ciphertext.
func Seal(plaintext, recipientKey string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(recipientKey)
	if err != nil || len(raw) != KeySize {
		return "", trace.BadParameter("invalid recipient public key")
	}
	var pub [KeySize]byte
	copy(pub[:], raw)
	sealed, err := box.SealAnonymous(nil, []byte(plaintext), &pub, rand.Reader)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a base64 encoded sealed box with the recipient's key pair.
// It is the counterpart of Seal and is used by tests and tooling.
func Open(ciphertext string, pub, priv *[KeySize]byte) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", trace.BadParameter("invalid sealed box encoding")
	}
	plaintext, ok := box.OpenAnonymous(nil, sealed, pub, priv)
	if !ok {
		return "", trace.AccessDenied("could not open sealed box")
	}
	return string(plaintext), nil
}

// GenerateKeyPair creates a fresh Curve25519 key pair. The public key is
// returned in the base64 form used throughout the service.
func GenerateKeyPair() (string, *[KeySize]byte, *[KeySize]byte, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, nil, trace.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(pub[:]), pub, priv, nil
}
