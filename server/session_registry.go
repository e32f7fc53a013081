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
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// SessionRegistry tracks all live sessions on this node by session ID.
type SessionRegistry interface {
	Stop()
	Count() int
	Get(sessionID uuid.UUID) Session
	Add(session Session)
	Remove(sessionID uuid.UUID)
	Disconnect(ctx context.Context, sessionID uuid.UUID) error
	Range(fn func(session Session) bool)
}

type LocalSessionRegistry struct {
	logger  *zap.Logger
	metrics Metrics

	sessions     *sync.Map
	sessionCount *atomic.Int32
}

func NewLocalSessionRegistry(logger *zap.Logger, metrics Metrics) SessionRegistry {
	return &LocalSessionRegistry{
		logger:  logger,
		metrics: metrics,

		sessions:     &sync.Map{},
		sessionCount: atomic.NewInt32(0),
	}
}

func (r *LocalSessionRegistry) Stop() {
	r.Range(func(session Session) bool {
		session.Close("server shutting down")
		return true
	})
}

func (r *LocalSessionRegistry) Count() int {
	return int(r.sessionCount.Load())
}

func (r *LocalSessionRegistry) Get(sessionID uuid.UUID) Session {
	session, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	return session.(Session)
}

func (r *LocalSessionRegistry) Add(session Session) {
	r.sessions.Store(session.ID(), session)
	count := r.sessionCount.Inc()
	r.metrics.GaugeSessions(float64(count))
}

func (r *LocalSessionRegistry) Remove(sessionID uuid.UUID) {
	if _, ok := r.sessions.LoadAndDelete(sessionID); !ok {
		return
	}
	count := r.sessionCount.Dec()
	r.metrics.GaugeSessions(float64(count))
}

// Disconnect closes a session server-side. Unknown session IDs are not an error.
func (r *LocalSessionRegistry) Disconnect(ctx context.Context, sessionID uuid.UUID) error {
	session, ok := r.sessions.Load(sessionID)
	if !ok {
		return nil
	}
	session.(Session).Close("server-side session disconnect")
	return nil
}

func (r *LocalSessionRegistry) Range(fn func(session Session) bool) {
	r.sessions.Range(func(_, value any) bool {
		return fn(value.(Session))
	})
}
