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

import "fmt"

// IdentityKind distinguishes the two actor populations that connect to the
// realtime layer: website users on one side, back-office employees on the other.
type IdentityKind string

const (
	IdentityKindUser     IdentityKind = "USER"
	IdentityKindEmployee IdentityKind = "EMPLOYEE"
)

// Valid reports whether the kind is one of the known actor populations.
func (k IdentityKind) Valid() bool {
	return k == IdentityKindUser || k == IdentityKindEmployee
}

// Identity is a logical actor, distinct from any particular live connection.
// One identity may hold any number of concurrent sessions (multi-tab, multi-device).
type Identity struct {
	Kind IdentityKind `json:"kind"`
	ID   string       `json:"id"`
}

// Valid reports whether the identity carries both a known kind and a non-empty ID.
// Registration with an invalid identity is ignored rather than rejected with an
// error, so callers use this to make the no-op explicit.
func (i Identity) Valid() bool {
	return i.Kind.Valid() && i.ID != ""
}

func (i Identity) String() string {
	return fmt.Sprintf("%s:%s", i.Kind, i.ID)
}
