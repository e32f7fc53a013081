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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testSubscriptionBlob = []byte(`{"endpoint":"https://push.example.com/send/abc123","keys":{"auth":"dGVzdC1hdXRo","p256dh":"dGVzdC1wMjU2ZGg"}}`)

func newTestNotifier(sender PushSender) (*Notifier, *InMemorySubscriptionStore) {
	store := NewInMemorySubscriptionStore()
	return NewNotifier(zap.NewNop(), store, sender, &testMetrics{}), store
}

func TestNotifierNotifyWithoutSubscription(t *testing.T) {
	sender := &stubPushSender{}
	notifier, _ := newTestNotifier(sender)

	err := notifier.Notify(context.Background(), "U1", map[string]string{"msg": "hi"})

	require.NoError(t, err)
	assert.Equal(t, 0, sender.sendCount())
}

func TestNotifierNotifySuccess(t *testing.T) {
	sender := &stubPushSender{}
	notifier, _ := newTestNotifier(sender)

	require.NoError(t, notifier.Subscribe(context.Background(), "U1", testSubscriptionBlob))
	require.NoError(t, notifier.Notify(context.Background(), "U1", map[string]string{"msg": "hi"}))

	require.Equal(t, 1, sender.sendCount())
	assert.Equal(t, `{"msg":"hi"}`, string(sender.payloads[0]))
	assert.Equal(t, "https://push.example.com/send/abc123", sender.subs[0].Endpoint)
}

func TestNotifierNotifyPayloadCanonicalized(t *testing.T) {
	sender := &stubPushSender{}
	notifier, _ := newTestNotifier(sender)
	require.NoError(t, notifier.Subscribe(context.Background(), "U1", testSubscriptionBlob))

	// Members the push transport cannot carry are stripped by the
	// serialization pass rather than breaking delivery.
	payload := struct {
		Msg      string `json:"msg"`
		Internal func() `json:"-"`
		hidden   string
	}{Msg: "hi", Internal: func() {}, hidden: "nope"}

	require.NoError(t, notifier.Notify(context.Background(), "U1", payload))

	require.Equal(t, 1, sender.sendCount())
	assert.Equal(t, `{"msg":"hi"}`, string(sender.payloads[0]))
}

func TestNotifierNotifyUnserializablePayload(t *testing.T) {
	sender := &stubPushSender{}
	notifier, _ := newTestNotifier(sender)
	require.NoError(t, notifier.Subscribe(context.Background(), "U1", testSubscriptionBlob))

	err := notifier.Notify(context.Background(), "U1", map[string]any{"fn": func() {}})

	require.Error(t, err)
	assert.Equal(t, 0, sender.sendCount())
}

func TestNotifierNotifyPrunesGoneEndpoint(t *testing.T) {
	sender := &stubPushSender{err: fmt.Errorf("%w: status 410", ErrPushEndpointGone)}
	notifier, store := newTestNotifier(sender)
	require.NoError(t, notifier.Subscribe(context.Background(), "U1", testSubscriptionBlob))

	// A permanently-gone endpoint is recovered from by pruning, not surfaced.
	require.NoError(t, notifier.Notify(context.Background(), "U1", map[string]string{"msg": "hi"}))

	blob, err := store.Load(context.Background(), "U1")
	require.NoError(t, err)
	assert.Nil(t, blob)

	// The next notify short-circuits before the transport.
	require.NoError(t, notifier.Notify(context.Background(), "U1", map[string]string{"msg": "hi again"}))
	assert.Equal(t, 1, sender.sendCount())
}

func TestNotifierNotifyTransientFailure(t *testing.T) {
	transportErr := errors.New("push service rejected notification: status 500")
	sender := &stubPushSender{err: transportErr}
	notifier, store := newTestNotifier(sender)
	require.NoError(t, notifier.Subscribe(context.Background(), "U1", testSubscriptionBlob))

	err := notifier.Notify(context.Background(), "U1", map[string]string{"msg": "hi"})

	// Surfaced to the caller, subscription left intact: the caller owns retries.
	require.ErrorIs(t, err, transportErr)
	blob, loadErr := store.Load(context.Background(), "U1")
	require.NoError(t, loadErr)
	assert.Equal(t, testSubscriptionBlob, blob)
}

func TestNotifierSubscribeOverwrites(t *testing.T) {
	sender := &stubPushSender{}
	notifier, store := newTestNotifier(sender)

	first := []byte(`{"endpoint":"https://push.example.com/send/old","keys":{"auth":"YQ","p256dh":"Yg"}}`)
	second := testSubscriptionBlob

	require.NoError(t, notifier.Subscribe(context.Background(), "U1", first))
	require.NoError(t, notifier.Subscribe(context.Background(), "U1", second))

	blob, err := store.Load(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, second, blob)
}

func TestNotifierUnsubscribe(t *testing.T) {
	sender := &stubPushSender{}
	notifier, _ := newTestNotifier(sender)

	require.NoError(t, notifier.Subscribe(context.Background(), "U1", testSubscriptionBlob))
	require.NoError(t, notifier.Unsubscribe(context.Background(), "U1"))

	require.NoError(t, notifier.Notify(context.Background(), "U1", map[string]string{"msg": "hi"}))
	assert.Equal(t, 0, sender.sendCount())
}

func TestNotifierNotifyCorruptStoredSubscription(t *testing.T) {
	sender := &stubPushSender{}
	notifier, store := newTestNotifier(sender)
	require.NoError(t, store.Save(context.Background(), "U1", []byte("not json")))

	err := notifier.Notify(context.Background(), "U1", map[string]string{"msg": "hi"})

	require.Error(t, err)
	assert.Equal(t, 0, sender.sendCount())
}
