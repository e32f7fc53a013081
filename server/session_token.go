// Copyright 2024 The Atrium Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// SessionTokenClaims is the credential presented by clients. Issuing tokens is
// the application layer's job; the realtime layer only verifies them and reads
// out the authenticated identity.
type SessionTokenClaims struct {
	IdentityID   string `json:"uid"`
	IdentityKind string `json:"knd"`
	jwt.RegisteredClaims
}

func parseToken(hmacSecret []byte, tokenString string) (Identity, bool) {
	claims := &SessionTokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return hmacSecret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, false
	}

	identity := Identity{Kind: IdentityKind(claims.IdentityKind), ID: claims.IdentityID}
	if !identity.Valid() {
		return Identity{}, false
	}
	return identity, true
}

// generateToken mints a token in the shape parseToken accepts. Real issuance
// belongs to the application layer; this exists for tests and local tooling.
func generateToken(hmacSecret []byte, identity Identity, expiry time.Duration) (string, error) {
	claims := &SessionTokenClaims{
		IdentityID:   identity.ID,
		IdentityKind: string(identity.Kind),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(hmacSecret)
}
