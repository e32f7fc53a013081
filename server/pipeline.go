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
	"encoding/json"

	"go.uber.org/zap"
)

const (
	// Inbound events.
	eventRegister = "register"
	eventStatus   = "status"

	// Outbound events.
	eventRegistered = "registered"
)

// RegisterMessage is the inbound registration payload binding the connection to
// a logical identity.
type RegisterMessage struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// StatusMessage asks whether an identity is currently reachable.
type StatusMessage struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// StatusReply answers a status query.
type StatusReply struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Online bool   `json:"online"`
}

// Pipeline routes inbound envelopes from live sessions to their handlers.
type Pipeline struct {
	logger  *zap.Logger
	config  Config
	tracker Tracker
	metrics Metrics
}

func NewPipeline(logger *zap.Logger, config Config, tracker Tracker, metrics Metrics) *Pipeline {
	return &Pipeline{
		logger:  logger,
		config:  config,
		tracker: tracker,
		metrics: metrics,
	}
}

// ProcessRequest handles one inbound envelope. Returning false tears the
// session down; unknown events are dropped without an error so clients can
// speak newer dialects safely.
func (p *Pipeline) ProcessRequest(logger *zap.Logger, session Session, in *Envelope) bool {
	switch in.Event {
	case eventRegister:
		p.handleRegister(logger, session, in)
	case eventStatus:
		p.handleStatus(logger, session, in)
	default:
		logger.Debug("Dropping unrecognized event", zap.String("event", in.Event))
	}
	return true
}

func (p *Pipeline) handleRegister(logger *zap.Logger, session Session, in *Envelope) {
	var msg RegisterMessage
	if err := json.Unmarshal(in.Payload, &msg); err != nil {
		logger.Debug("Ignoring malformed registration payload", zap.Error(err))
		return
	}

	identity := Identity{Kind: IdentityKind(msg.Kind), ID: msg.ID}
	if !p.tracker.Track(identity, session.ID()) {
		// Invalid identity. Registration is fire-and-forget, the client gets no
		// error but the connection stays usable.
		return
	}
	session.SetIdentity(identity)

	out, err := NewEnvelope(eventRegistered, identity)
	if err != nil {
		logger.Error("Could not create registration reply", zap.Error(err))
		return
	}
	if err := session.Send(out, true); err != nil {
		logger.Debug("Could not send registration reply", zap.Error(err))
	}
}

func (p *Pipeline) handleStatus(logger *zap.Logger, session Session, in *Envelope) {
	var msg StatusMessage
	if err := json.Unmarshal(in.Payload, &msg); err != nil {
		logger.Debug("Ignoring malformed status payload", zap.Error(err))
		return
	}

	identity := Identity{Kind: IdentityKind(msg.Kind), ID: msg.ID}
	reply := StatusReply{
		ID:     msg.ID,
		Kind:   msg.Kind,
		Online: identity.Valid() && p.tracker.IsOnline(identity),
	}

	out, err := NewEnvelope(eventStatus, reply)
	if err != nil {
		logger.Error("Could not create status reply", zap.Error(err))
		return
	}
	if err := session.Send(out, true); err != nil {
		logger.Debug("Could not send status reply", zap.Error(err))
	}
}
