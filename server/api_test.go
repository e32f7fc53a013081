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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type apiFixture struct {
	handler         http.Handler
	config          *config
	sessionRegistry SessionRegistry
	tracker         Tracker
	store           *InMemorySubscriptionStore
	sender          *stubPushSender
}

func newApiFixture() *apiFixture {
	logger := zap.NewNop()
	metrics := &testMetrics{}
	config := NewConfig()
	config.Session.EncryptionKey = "test-encryption-key"

	sessionRegistry := NewLocalSessionRegistry(logger, metrics)
	tracker := StartLocalTracker(logger, metrics)
	router := NewLocalMessageRouter(sessionRegistry, tracker, metrics)
	pipeline := NewPipeline(logger, config, tracker, metrics)
	store := NewInMemorySubscriptionStore()
	sender := &stubPushSender{}
	notifier := NewNotifier(logger, store, sender, metrics)

	s := &ApiServer{
		logger:          logger,
		config:          config,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		router:          router,
		notifier:        notifier,
		metrics:         metrics,
	}

	return &apiFixture{
		handler:         s.createHandler(pipeline),
		config:          config,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		store:           store,
		sender:          sender,
	}
}

func (f *apiFixture) token(t *testing.T, identity Identity) string {
	t.Helper()
	token, err := generateToken([]byte(f.config.Session.EncryptionKey), identity, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) connect(t *testing.T, identity Identity) *fakeSession {
	t.Helper()
	session := newFakeSession()
	f.sessionRegistry.Add(session)
	require.True(t, f.tracker.Track(identity, session.ID()))
	session.SetIdentity(identity)
	return session
}

func (f *apiFixture) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	r := httptest.NewRequest(method, path, reader)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	return w
}

func TestApiAuthentication(t *testing.T) {
	f := newApiFixture()

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{
			name:  "missing token",
			token: "",
			want:  401,
		},
		{
			name:  "garbage token",
			token: "not-a-token",
			want:  401,
		},
		{
			name:  "valid token",
			token: f.token(t, Identity{Kind: IdentityKindUser, ID: "A1"}),
			want:  200,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.request(t, "GET", "/v1/status/USER/A1", tt.token, nil)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestApiHealthcheck(t *testing.T) {
	f := newApiFixture()

	// No authentication required.
	w := f.request(t, "GET", "/healthcheck", "", nil)

	require.Equal(t, 200, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "atrium", body["name"])
}

func TestApiSubscriptionLifecycle(t *testing.T) {
	f := newApiFixture()
	token := f.token(t, Identity{Kind: IdentityKindUser, ID: "A1"})

	w := f.request(t, "PUT", "/v1/push/subscription", token, testSubscriptionBlob)
	require.Equal(t, 204, w.Code)

	blob, err := f.store.Load(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, testSubscriptionBlob, blob)

	w = f.request(t, "DELETE", "/v1/push/subscription", token, nil)
	require.Equal(t, 204, w.Code)

	blob, err = f.store.Load(context.Background(), "A1")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestApiSubscriptionRejectsNonJson(t *testing.T) {
	f := newApiFixture()
	token := f.token(t, Identity{Kind: IdentityKindUser, ID: "A1"})

	w := f.request(t, "PUT", "/v1/push/subscription", token, []byte("not json"))

	assert.Equal(t, 400, w.Code)
	blob, err := f.store.Load(context.Background(), "A1")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestApiNotifyRequiresEmployee(t *testing.T) {
	f := newApiFixture()
	token := f.token(t, Identity{Kind: IdentityKindUser, ID: "A1"})

	w := f.request(t, "POST", "/v1/notify", token, NotifyRequest{
		Identities: []Identity{{Kind: IdentityKindUser, ID: "A2"}},
		Event:      "chat_message",
	})

	assert.Equal(t, 403, w.Code)
}

func TestApiNotifyToIdentities(t *testing.T) {
	f := newApiFixture()
	target := Identity{Kind: IdentityKindUser, ID: "A1"}
	session := f.connect(t, target)
	other := f.connect(t, Identity{Kind: IdentityKindUser, ID: "A2"})
	token := f.token(t, Identity{Kind: IdentityKindEmployee, ID: "E1"})

	w := f.request(t, "POST", "/v1/notify", token, NotifyRequest{
		Identities: []Identity{target},
		Event:      "meeting_reminder",
		Payload:    json.RawMessage(`{"id":"m1"}`),
	})

	require.Equal(t, 200, w.Code)
	assert.Equal(t, 1, session.sentCount())
	assert.Equal(t, 0, other.sentCount())

	var sent Envelope
	require.NoError(t, json.Unmarshal(session.lastSent(), &sent))
	assert.Equal(t, "meeting_reminder", sent.Event)

	var body struct {
		Failed []Identity `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Empty(t, body.Failed)
}

func TestApiNotifyToKind(t *testing.T) {
	f := newApiFixture()
	u1 := f.connect(t, Identity{Kind: IdentityKindUser, ID: "A1"})
	u2 := f.connect(t, Identity{Kind: IdentityKindUser, ID: "A2"})
	e1 := f.connect(t, Identity{Kind: IdentityKindEmployee, ID: "E1"})
	token := f.token(t, Identity{Kind: IdentityKindEmployee, ID: "E1"})

	w := f.request(t, "POST", "/v1/notify", token, NotifyRequest{
		Kind:  IdentityKindUser,
		Event: "announcement",
	})

	require.Equal(t, 200, w.Code)
	assert.Equal(t, 1, u1.sentCount())
	assert.Equal(t, 1, u2.sentCount())
	assert.Equal(t, 0, e1.sentCount())
}

func TestApiNotifyPersistentReportsFailures(t *testing.T) {
	f := newApiFixture()
	subscribed := Identity{Kind: IdentityKindUser, ID: "A1"}
	unsubscribed := Identity{Kind: IdentityKindUser, ID: "A2"}
	require.NoError(t, f.store.Save(context.Background(), "A1", testSubscriptionBlob))
	f.sender.err = errors.New("push service rejected notification: status 500")
	token := f.token(t, Identity{Kind: IdentityKindEmployee, ID: "E1"})

	w := f.request(t, "POST", "/v1/notify", token, NotifyRequest{
		Identities: []Identity{subscribed, unsubscribed},
		Event:      "demo_request",
		Persistent: true,
	})

	require.Equal(t, 200, w.Code)
	var body struct {
		Failed []Identity `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	// The failed push is reported; the identity without a subscription is a
	// silent no-op, not a failure.
	assert.Equal(t, []Identity{subscribed}, body.Failed)
}

func TestApiNotifyPersistentToKindRejected(t *testing.T) {
	f := newApiFixture()
	employee := f.connect(t, Identity{Kind: IdentityKindEmployee, ID: "E2"})
	require.NoError(t, f.store.Save(context.Background(), "A1", testSubscriptionBlob))
	token := f.token(t, Identity{Kind: IdentityKindEmployee, ID: "E1"})

	// Kind mode ignores the identity list, so there is no valid push target.
	// The request must be rejected outright rather than broadcasting live and
	// pushing to the ignored identities.
	w := f.request(t, "POST", "/v1/notify", token, NotifyRequest{
		Kind:       IdentityKindEmployee,
		Identities: []Identity{{Kind: IdentityKindUser, ID: "A1"}},
		Event:      "announcement",
		Persistent: true,
	})

	assert.Equal(t, 400, w.Code)
	assert.Equal(t, 0, employee.sentCount())
	assert.Equal(t, 0, f.sender.sendCount())
}

func TestApiNotifyValidation(t *testing.T) {
	f := newApiFixture()
	token := f.token(t, Identity{Kind: IdentityKindEmployee, ID: "E1"})

	tests := []struct {
		name string
		req  NotifyRequest
	}{
		{
			name: "missing event",
			req:  NotifyRequest{Identities: []Identity{{Kind: IdentityKindUser, ID: "A1"}}},
		},
		{
			name: "no targets",
			req:  NotifyRequest{Event: "announcement"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.request(t, "POST", "/v1/notify", token, tt.req)
			assert.Equal(t, 400, w.Code)
		})
	}
}

func TestApiStatus(t *testing.T) {
	f := newApiFixture()
	f.connect(t, Identity{Kind: IdentityKindUser, ID: "A1"})
	token := f.token(t, Identity{Kind: IdentityKindEmployee, ID: "E1"})

	w := f.request(t, "GET", "/v1/status/USER/A1", token, nil)
	require.Equal(t, 200, w.Code)
	var reply StatusReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.True(t, reply.Online)

	w = f.request(t, "GET", "/v1/status/USER/A2", token, nil)
	require.Equal(t, 200, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.False(t, reply.Online)

	w = f.request(t, "GET", "/v1/status/ROBOT/A1", token, nil)
	assert.Equal(t, 400, w.Code)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *http.Request)
		want  string
	}{
		{
			name:  "authorization header",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") },
			want:  "abc",
		},
		{
			name:  "wrong scheme",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") },
			want:  "",
		},
		{
			name:  "query parameter",
			setup: func(r *http.Request) { r.URL.RawQuery = "token=xyz" },
			want:  "xyz",
		},
		{
			name:  "nothing",
			setup: func(r *http.Request) {},
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws", nil)
			tt.setup(r)
			if got := bearerToken(r); got != tt.want {
				t.Errorf("bearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractClientAddress(t *testing.T) {
	logger := zap.NewNop()

	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	ip, port := extractClientAddress(logger, r)
	assert.Equal(t, "10.0.0.1", ip)
	assert.Equal(t, "5000", port)

	// The first forwarded hop wins over the peer address.
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	ip, port = extractClientAddress(logger, r)
	assert.Equal(t, "203.0.113.7", ip)
	assert.Equal(t, "", port)
}

func TestSocketAcceptorRejectsBadToken(t *testing.T) {
	f := newApiFixture()

	w := f.request(t, "GET", "/ws", "", nil)
	assert.Equal(t, 401, w.Code)

	w = f.request(t, "GET", "/ws", "not-a-token", nil)
	assert.Equal(t, 401, w.Code)
}
