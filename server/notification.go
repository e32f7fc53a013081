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
	"errors"
	"fmt"
	"io"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"
)

// ErrPushEndpointGone marks a push endpoint the provider reports as permanently
// invalid (device unregistered, subscription revoked). It is the only delivery
// failure the notifier recovers from on its own.
var ErrPushEndpointGone = errors.New("push endpoint permanently gone")

// PushSender delivers one encrypted payload to one subscription endpoint.
type PushSender interface {
	Send(ctx context.Context, subscription *webpush.Subscription, payload []byte) error
}

// WebPushSender sends through the standard Web Push protocol with VAPID keys.
type WebPushSender struct {
	options *webpush.Options
}

func NewWebPushSender(config Config) *WebPushSender {
	push := config.GetPush()
	return &WebPushSender{
		options: &webpush.Options{
			HTTPClient:      &http.Client{Timeout: push.GetTimeout()},
			Subscriber:      push.Subscriber,
			VAPIDPublicKey:  push.VAPIDPublicKey,
			VAPIDPrivateKey: push.VAPIDPrivateKey,
			TTL:             push.TTLSec,
		},
	}
}

func (s *WebPushSender) Send(ctx context.Context, subscription *webpush.Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, subscription, s.options)
	if err != nil {
		return fmt.Errorf("could not send push notification: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrPushEndpointGone, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push service rejected notification: status %d: %s", resp.StatusCode, body)
	}
}

// Notifier is the offline delivery fallback: it pushes notifications through
// the subscription an identity opted in with, regardless of live presence, so
// producers can call it unconditionally next to the message router.
type Notifier struct {
	logger  *zap.Logger
	store   SubscriptionStore
	sender  PushSender
	metrics Metrics
}

func NewNotifier(logger *zap.Logger, store SubscriptionStore, sender PushSender, metrics Metrics) *Notifier {
	return &Notifier{
		logger:  logger,
		store:   store,
		sender:  sender,
		metrics: metrics,
	}
}

// Subscribe persists the subscription blob for the identity, overwriting any
// previous one. The blob is stored as-is; its shape is the push service's
// business.
func (n *Notifier) Subscribe(ctx context.Context, identityID string, blob []byte) error {
	if err := n.store.Save(ctx, identityID, blob); err != nil {
		return fmt.Errorf("could not save push subscription: %w", err)
	}
	n.logger.Debug("Stored push subscription", zap.String("identity_id", identityID))
	return nil
}

// Unsubscribe removes the identity's subscription, if any.
func (n *Notifier) Unsubscribe(ctx context.Context, identityID string) error {
	if err := n.store.Delete(ctx, identityID); err != nil {
		return fmt.Errorf("could not delete push subscription: %w", err)
	}
	n.logger.Debug("Removed push subscription", zap.String("identity_id", identityID))
	return nil
}

// Notify pushes a payload to the identity's subscribed endpoint.
//
// Identities without a subscription are an expected, frequent condition and
// return nil without touching the transport. A permanently-gone endpoint is
// pruned so later calls short-circuit the same way. Every other failure leaves
// the subscription intact and is returned to the caller, who owns any retry
// policy; there is no retry loop in here.
func (n *Notifier) Notify(ctx context.Context, identityID string, payload any) error {
	blob, err := n.store.Load(ctx, identityID)
	if err != nil {
		return fmt.Errorf("could not load push subscription: %w", err)
	}
	if blob == nil {
		n.logger.Debug("No push subscription for identity", zap.String("identity_id", identityID))
		return nil
	}

	subscription := &webpush.Subscription{}
	if err := json.Unmarshal(blob, subscription); err != nil {
		return fmt.Errorf("stored push subscription is not usable: %w", err)
	}

	// The push transport needs a fully serializable payload, so canonicalize
	// through a JSON pass before handing it over.
	canonical, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not serialize notification payload: %w", err)
	}

	if err := n.sender.Send(ctx, subscription, canonical); err != nil {
		if errors.Is(err, ErrPushEndpointGone) {
			// The endpoint will never work again, drop the subscription so
			// future notifies short-circuit.
			if deleteErr := n.store.Delete(ctx, identityID); deleteErr != nil {
				return fmt.Errorf("could not prune dead push subscription: %w", deleteErr)
			}
			n.metrics.CountPushPruned(1)
			n.logger.Info("Pruned dead push subscription", zap.String("identity_id", identityID))
			return nil
		}
		n.metrics.CountPushFailed(1)
		return err
	}

	n.metrics.CountPushSent(1)
	n.logger.Debug("Push notification sent", zap.String("identity_id", identityID))
	return nil
}
