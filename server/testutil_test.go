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
	"net/http"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

type testMetrics struct{}

func (m *testMetrics) GaugeSessions(value float64)         {}
func (m *testMetrics) GaugePresences(value float64)        {}
func (m *testMetrics) Message(recvBytes int64, isErr bool) {}
func (m *testMetrics) MessageBytesSent(sentBytes int64)    {}
func (m *testMetrics) CountDispatch(sessions int64)        {}
func (m *testMetrics) CountPushSent(delta int64)           {}
func (m *testMetrics) CountPushFailed(delta int64)         {}
func (m *testMetrics) CountPushPruned(delta int64)         {}
func (m *testMetrics) Handler() http.Handler               { return http.NotFoundHandler() }
func (m *testMetrics) Stop(logger *zap.Logger)             {}

// fakeSession is a Session that records everything sent to it.
type fakeSession struct {
	sync.Mutex
	id       uuid.UUID
	identity Identity
	sendErr  error
	sent     [][]byte
	closed   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{id: uuid.Must(uuid.NewV4())}
}

func (s *fakeSession) ID() uuid.UUID { return s.id }

func (s *fakeSession) Identity() Identity {
	s.Lock()
	defer s.Unlock()
	return s.identity
}

func (s *fakeSession) SetIdentity(identity Identity) {
	s.Lock()
	s.identity = identity
	s.Unlock()
}

func (s *fakeSession) ClientIP() string         { return "127.0.0.1" }
func (s *fakeSession) ClientPort() string       { return "0" }
func (s *fakeSession) Context() context.Context { return context.Background() }
func (s *fakeSession) Consume()                 {}

func (s *fakeSession) Send(envelope *Envelope, reliable bool) error {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.SendBytes(payload, reliable)
}

func (s *fakeSession) SendBytes(payload []byte, reliable bool) error {
	s.Lock()
	defer s.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *fakeSession) Close(msg string) {
	s.Lock()
	s.closed = true
	s.Unlock()
}

func (s *fakeSession) sentCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.sent)
}

func (s *fakeSession) lastSent() []byte {
	s.Lock()
	defer s.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

// stubPushSender records push transport invocations and fails with a
// configured error.
type stubPushSender struct {
	sync.Mutex
	err      error
	payloads [][]byte
	subs     []*webpush.Subscription
}

func (s *stubPushSender) Send(ctx context.Context, subscription *webpush.Subscription, payload []byte) error {
	s.Lock()
	defer s.Unlock()
	s.subs = append(s.subs, subscription)
	s.payloads = append(s.payloads, payload)
	return s.err
}

func (s *stubPushSender) sendCount() int {
	s.Lock()
	defer s.Unlock()
	return len(s.payloads)
}
