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
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Tracker maintains the in-memory mapping from identities to their live
// session handles. It is process-local and starts empty on every boot; clients
// re-establish presence by reconnecting and re-registering.
type Tracker interface {
	// Track registers a session under an identity. It is idempotent for the
	// same (identity, session) pair, and returns false without mutating
	// anything when the identity is invalid. A session already tracked under a
	// different identity is moved, never double-indexed.
	Track(identity Identity, sessionID uuid.UUID) bool

	// Untrack removes a session from whichever identity currently holds it.
	// Unknown sessions are a no-op.
	Untrack(sessionID uuid.UUID)

	// SessionsFor returns the session handles currently registered under the
	// identity. The returned slice is a copy and empty when the identity has
	// no live sessions.
	SessionsFor(identity Identity) []uuid.UUID

	// IsOnline reports whether the identity has at least one live session.
	IsOnline(identity Identity) bool

	// ListByKind returns every identity of the kind with at least one live session.
	ListByKind(kind IdentityKind) []Identity

	// ListSessionsByKind returns a point-in-time snapshot of every session
	// registered under any identity of the kind.
	ListSessionsByKind(kind IdentityKind) []uuid.UUID

	Count() int
	CountByKind(kind IdentityKind) int

	Stop()
}

type LocalTracker struct {
	sync.RWMutex
	logger  *zap.Logger
	metrics Metrics

	// Invariant: no identity maps to an empty session set. Entries are deleted
	// the moment their last session is removed, so presence queries can rely
	// on entry existence alone.
	sessionsByIdentity map[Identity]map[uuid.UUID]struct{}
	sessionCount       int
}

func StartLocalTracker(logger *zap.Logger, metrics Metrics) Tracker {
	return &LocalTracker{
		logger:  logger,
		metrics: metrics,

		sessionsByIdentity: make(map[Identity]map[uuid.UUID]struct{}),
	}
}

func (t *LocalTracker) Track(identity Identity, sessionID uuid.UUID) bool {
	if !identity.Valid() {
		t.logger.Debug("Ignoring registration with invalid identity", zap.String("identity", identity.String()), zap.String("sid", sessionID.String()))
		return false
	}

	t.Lock()
	defer t.Unlock()

	// A session handle belongs to exactly one identity at a time. Re-registering
	// under a new identity without a disconnect moves the session rather than
	// leaving it indexed under the stale identity.
	t.removeLocked(sessionID, &identity)

	sessions, ok := t.sessionsByIdentity[identity]
	if !ok {
		sessions = make(map[uuid.UUID]struct{}, 1)
		t.sessionsByIdentity[identity] = sessions
	}
	if _, found := sessions[sessionID]; found {
		// Repeat registration of the same pair.
		return true
	}
	sessions[sessionID] = struct{}{}
	t.sessionCount++
	t.metrics.GaugePresences(float64(t.sessionCount))

	t.logger.Debug("Tracked session", zap.String("identity", identity.String()), zap.String("sid", sessionID.String()))
	return true
}

func (t *LocalTracker) Untrack(sessionID uuid.UUID) {
	t.Lock()
	t.removeLocked(sessionID, nil)
	t.Unlock()
}

// removeLocked removes the session from every identity entry except the one
// given in keep, deleting entries that become empty. The registry is indexed
// by identity so this is a scan, but entry counts are small in practice.
func (t *LocalTracker) removeLocked(sessionID uuid.UUID, keep *Identity) {
	for identity, sessions := range t.sessionsByIdentity {
		if keep != nil && identity == *keep {
			continue
		}
		if _, found := sessions[sessionID]; !found {
			continue
		}
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(t.sessionsByIdentity, identity)
		}
		t.sessionCount--
		t.metrics.GaugePresences(float64(t.sessionCount))
		t.logger.Debug("Untracked session", zap.String("identity", identity.String()), zap.String("sid", sessionID.String()))
	}
}

func (t *LocalTracker) SessionsFor(identity Identity) []uuid.UUID {
	t.RLock()
	defer t.RUnlock()

	sessions, ok := t.sessionsByIdentity[identity]
	if !ok {
		return []uuid.UUID{}
	}
	sessionIDs := make([]uuid.UUID, 0, len(sessions))
	for sessionID := range sessions {
		sessionIDs = append(sessionIDs, sessionID)
	}
	return sessionIDs
}

func (t *LocalTracker) IsOnline(identity Identity) bool {
	t.RLock()
	_, ok := t.sessionsByIdentity[identity]
	t.RUnlock()
	return ok
}

func (t *LocalTracker) ListByKind(kind IdentityKind) []Identity {
	t.RLock()
	defer t.RUnlock()

	identities := make([]Identity, 0, len(t.sessionsByIdentity))
	for identity := range t.sessionsByIdentity {
		if identity.Kind == kind {
			identities = append(identities, identity)
		}
	}
	return identities
}

func (t *LocalTracker) ListSessionsByKind(kind IdentityKind) []uuid.UUID {
	t.RLock()
	defer t.RUnlock()

	sessionIDs := make([]uuid.UUID, 0, t.sessionCount)
	for identity, sessions := range t.sessionsByIdentity {
		if identity.Kind != kind {
			continue
		}
		for sessionID := range sessions {
			sessionIDs = append(sessionIDs, sessionID)
		}
	}
	return sessionIDs
}

func (t *LocalTracker) Count() int {
	t.RLock()
	defer t.RUnlock()
	return t.sessionCount
}

func (t *LocalTracker) CountByKind(kind IdentityKind) int {
	t.RLock()
	defer t.RUnlock()

	count := 0
	for identity, sessions := range t.sessionsByIdentity {
		if identity.Kind == kind {
			count += len(sessions)
		}
	}
	return count
}

func (t *LocalTracker) Stop() {
	t.Lock()
	t.sessionsByIdentity = make(map[Identity]map[uuid.UUID]struct{})
	t.sessionCount = 0
	t.Unlock()
	t.metrics.GaugePresences(0)
}
