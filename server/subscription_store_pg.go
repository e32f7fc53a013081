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
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

// PostgresSubscriptionStore persists push subscriptions in PostgreSQL, keyed
// by identity ID.
type PostgresSubscriptionStore struct {
	logger *zap.Logger
	pool   *pgxpool.Pool
}

func NewPostgresSubscriptionStore(ctx context.Context, logger *zap.Logger, config Config) (*PostgresSubscriptionStore, error) {
	dbConfig := config.GetDatabase()

	poolConfig, err := pgxpool.ParseConfig(dbConfig.Address)
	if err != nil {
		return nil, fmt.Errorf("could not parse database address: %w", err)
	}
	poolConfig.MaxConns = int32(dbConfig.MaxOpenConns)
	poolConfig.MaxConnLifetime = time.Duration(dbConfig.ConnMaxLifetimeMs) * time.Millisecond

	pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	store := &PostgresSubscriptionStore{
		logger: logger,
		pool:   pool,
	}
	if err := store.setup(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Connected to subscription database")
	return store, nil
}

func (s *PostgresSubscriptionStore) setup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS push_subscription (
    identity_id  TEXT PRIMARY KEY,
    subscription JSONB NOT NULL,
    update_time  TIMESTAMPTZ NOT NULL DEFAULT now()
)`)
	if err != nil {
		return fmt.Errorf("could not set up push subscription table: %w", err)
	}
	return nil
}

func (s *PostgresSubscriptionStore) Load(ctx context.Context, identityID string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		"SELECT subscription FROM push_subscription WHERE identity_id = $1",
		identityID).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not query push subscription: %w", err)
	}
	return blob, nil
}

func (s *PostgresSubscriptionStore) Save(ctx context.Context, identityID string, blob []byte) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO push_subscription (identity_id, subscription, update_time)
VALUES ($1, $2, now())
ON CONFLICT (identity_id)
DO UPDATE SET subscription = $2, update_time = now()`,
		identityID, blob)
	if err != nil {
		return fmt.Errorf("could not upsert push subscription: %w", err)
	}
	return nil
}

func (s *PostgresSubscriptionStore) Delete(ctx context.Context, identityID string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM push_subscription WHERE identity_id = $1",
		identityID)
	if err != nil {
		return fmt.Errorf("could not delete push subscription: %w", err)
	}
	return nil
}

func (s *PostgresSubscriptionStore) Stop() {
	s.pool.Close()
}
