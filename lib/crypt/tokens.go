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

package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

const (
	// accessTokenCharset is the alphabet of work package access tokens.
	accessTokenCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// AccessTokenLength is the length of a work package access token.
	AccessTokenLength = 24

	// WorkOrderTokenTTL is how long a signed work order token stays valid.
	WorkOrderTokenTTL = 30 * time.Second
)

// GenerateAccessToken creates a random opaque work package access token
// consisting of ASCII letters and digits.
func GenerateAccessToken() (string, error) {
	token := make([]byte, AccessTokenLength)
	max := big.NewInt(int64(len(accessTokenCharset)))
	for i := range token {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", trace.Wrap(err)
		}
		token[i] = accessTokenCharset[n.Int64()]
	}
	return string(token), nil
}

// HashToken returns the hex encoded SHA-256 hash of the given token.
// Only the hash is ever persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Signer signs work order tokens as compact ES256 JWS.
type Signer struct {
	signer jose.Signer
	clock  clockwork.Clock
}

// NewSigner parses the given JWK JSON and returns a Signer. The key must
// contain private material; a public-only key is rejected so that the
// service fails at startup rather than at the first minting attempt.
func NewSigner(jwkJSON []byte, clock clockwork.Clock) (*Signer, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	var key jose.JSONWebKey
	if err := json.Unmarshal(jwkJSON, &key); err != nil {
		return nil, trace.BadParameter("cannot parse signing key: %v", err)
	}
	if !key.Valid() {
		return nil, trace.BadParameter("signing key is not a valid JWK")
	}
	if key.IsPublic() {
		return nil, trace.BadParameter("no private work order signing key found")
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key.Key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Signer{signer: signer, clock: clock}, nil
}

// Sign serializes the given claim set as a compact JWS, adding iat and
// exp claims with the work order token TTL.
func (s *Signer) Sign(claims any) (string, error) {
	now := s.clock.Now()
	token, err := jwt.Signed(s.signer).
		Claims(claims).
		Claims(jwt.Claims{
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(WorkOrderTokenTTL)),
		}).
		Serialize()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token, nil
}

// Verifier verifies compact ES256 JWS tokens against a public JWK. It is
// used for the inbound user bearer tokens.
type Verifier struct {
	key jose.JSONWebKey
}

// NewVerifier parses the given JWK JSON and returns a Verifier.
func NewVerifier(jwkJSON []byte) (*Verifier, error) {
	var key jose.JSONWebKey
	if err := json.Unmarshal(jwkJSON, &key); err != nil {
		return nil, trace.BadParameter("cannot parse verification key: %v", err)
	}
	if !key.Valid() {
		return nil, trace.BadParameter("verification key is not a valid JWK")
	}
	if !key.IsPublic() {
		key = key.Public()
	}
	return &Verifier{key: key}, nil
}

// Verify checks the signature and the validity window of the given token
// and unmarshals its claims into dest.
func (v *Verifier) Verify(token string, now time.Time, dest any) error {
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil {
		return trace.AccessDenied("malformed bearer token")
	}
	var registered jwt.Claims
	if err := parsed.Claims(v.key.Key, &registered, dest); err != nil {
		return trace.AccessDenied("invalid bearer token signature")
	}
	if err := registered.ValidateWithLeeway(jwt.Expected{Time: now}, 0); err != nil {
		return trace.AccessDenied("bearer token is not active")
	}
	return nil
}
