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
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// Envelope is the wire format exchanged with clients: an event name plus an
// opaque JSON payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope, marshaling the payload. A nil payload is allowed.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	if event == "" {
		return nil, fmt.Errorf("envelope event name must not be empty")
	}
	e := &Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("could not marshal envelope payload: %w", err)
		}
		e.Payload = data
	}
	return e, nil
}

// Session is one live client connection. A session starts unregistered; it is
// bound to an identity only once the client sends its registration message.
type Session interface {
	ID() uuid.UUID
	Identity() Identity
	SetIdentity(identity Identity)
	ClientIP() string
	ClientPort() string

	Context() context.Context

	Consume()

	Send(envelope *Envelope, reliable bool) error
	SendBytes(payload []byte, reliable bool) error

	Close(msg string)
}
