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
)

// SubscriptionStore persists push subscription blobs per identity. The blob is
// opaque to the store; absence is reported as a nil blob, not an error.
type SubscriptionStore interface {
	Load(ctx context.Context, identityID string) ([]byte, error)
	Save(ctx context.Context, identityID string, blob []byte) error
	Delete(ctx context.Context, identityID string) error
}

// InMemorySubscriptionStore keeps subscriptions in process memory. Used in
// tests and in development setups without a database; subscriptions do not
// survive a restart.
type InMemorySubscriptionStore struct {
	sync.RWMutex
	subscriptions map[string][]byte
}

func NewInMemorySubscriptionStore() *InMemorySubscriptionStore {
	return &InMemorySubscriptionStore{
		subscriptions: make(map[string][]byte),
	}
}

func (s *InMemorySubscriptionStore) Load(ctx context.Context, identityID string) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	blob, ok := s.subscriptions[identityID]
	if !ok {
		return nil, nil
	}
	blobCopy := make([]byte, len(blob))
	copy(blobCopy, blob)
	return blobCopy, nil
}

func (s *InMemorySubscriptionStore) Save(ctx context.Context, identityID string, blob []byte) error {
	blobCopy := make([]byte, len(blob))
	copy(blobCopy, blob)

	s.Lock()
	s.subscriptions[identityID] = blobCopy
	s.Unlock()
	return nil
}

func (s *InMemorySubscriptionStore) Delete(ctx context.Context, identityID string) error {
	s.Lock()
	delete(s.subscriptions, identityID)
	s.Unlock()
	return nil
}
