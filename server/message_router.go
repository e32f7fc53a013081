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

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// MessageRouter delivers envelopes to the live sessions of one or more
// identities. Delivery is fire-and-forget and at-most-once per session known
// at dispatch time: there is no queue, retry, or acknowledgement. Producers
// that need durability call the push notifier separately.
type MessageRouter interface {
	SendToIdentity(logger *zap.Logger, identity Identity, envelope *Envelope)
	SendToMany(logger *zap.Logger, identities []Identity, envelope *Envelope)
	BroadcastToKind(logger *zap.Logger, kind IdentityKind, envelope *Envelope)
	SendToAll(logger *zap.Logger, envelope *Envelope)
}

type LocalMessageRouter struct {
	sessionRegistry SessionRegistry
	tracker         Tracker
	metrics         Metrics
}

func NewLocalMessageRouter(sessionRegistry SessionRegistry, tracker Tracker, metrics Metrics) MessageRouter {
	return &LocalMessageRouter{
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		metrics:         metrics,
	}
}

func (r *LocalMessageRouter) SendToIdentity(logger *zap.Logger, identity Identity, envelope *Envelope) {
	sessionIDs := r.tracker.SessionsFor(identity)
	if len(sessionIDs) == 0 {
		// The identity is not reachable right now. Intentionally silent, the
		// producer cannot assume live delivery occurred.
		return
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	r.sendToSessions(logger, sessionIDs, payload)
}

func (r *LocalMessageRouter) SendToMany(logger *zap.Logger, identities []Identity, envelope *Envelope) {
	if len(identities) == 0 {
		return
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	// No atomicity or ordering across identities, one unreachable or failing
	// target never blocks the rest.
	for _, identity := range identities {
		r.sendToSessions(logger, r.tracker.SessionsFor(identity), payload)
	}
}

func (r *LocalMessageRouter) BroadcastToKind(logger *zap.Logger, kind IdentityKind, envelope *Envelope) {
	// Snapshot the recipient set before emitting, so the broadcast covers
	// exactly the sessions present at call start regardless of connects and
	// disconnects that happen mid-iteration.
	sessionIDs := r.tracker.ListSessionsByKind(kind)
	if len(sessionIDs) == 0 {
		return
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	r.sendToSessions(logger, sessionIDs, payload)
}

func (r *LocalMessageRouter) SendToAll(logger *zap.Logger, envelope *Envelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		logger.Error("Could not marshal envelope", zap.Error(err))
		return
	}

	r.sessionRegistry.Range(func(session Session) bool {
		if err := session.SendBytes(payload, true); err != nil {
			logger.Debug("Failed to route message", zap.String("sid", session.ID().String()), zap.Error(err))
		}
		return true
	})
}

func (r *LocalMessageRouter) sendToSessions(logger *zap.Logger, sessionIDs []uuid.UUID, payload []byte) {
	dispatched := int64(0)
	for _, sessionID := range sessionIDs {
		session := r.sessionRegistry.Get(sessionID)
		if session == nil {
			// Tracked but already torn down, the disconnect cleanup will catch up.
			logger.Debug("No session to route to", zap.String("sid", sessionID.String()))
			continue
		}
		if err := session.SendBytes(payload, true); err != nil {
			logger.Debug("Failed to route message", zap.String("sid", sessionID.String()), zap.Error(err))
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		r.metrics.CountDispatch(dispatched)
	}
}
