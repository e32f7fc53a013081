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
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ApiServer exposes the websocket acceptor plus the thin HTTP surface the
// application layer uses: push subscription management, server-side event
// dispatch, presence queries, health, and metrics.
type ApiServer struct {
	logger          *zap.Logger
	config          Config
	sessionRegistry SessionRegistry
	tracker         Tracker
	router          MessageRouter
	notifier        *Notifier
	metrics         Metrics

	server *http.Server
}

func StartApiServer(logger *zap.Logger, startupLogger *zap.Logger, config Config, sessionRegistry SessionRegistry, tracker Tracker, router MessageRouter, notifier *Notifier, metrics Metrics, pipeline *Pipeline) *ApiServer {
	s := &ApiServer{
		logger:          logger,
		config:          config,
		sessionRegistry: sessionRegistry,
		tracker:         tracker,
		router:          router,
		notifier:        notifier,
		metrics:         metrics,
	}

	// Server timeouts don't affect websocket sessions, the upgrade clears the
	// connection deadline and sessions manage their own.
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.GetSocket().Address, config.GetSocket().Port),
		Handler:      s.createHandler(pipeline),
		ReadTimeout:  time.Duration(config.GetSocket().ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(config.GetSocket().WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:  time.Duration(config.GetSocket().IdleTimeoutMs) * time.Millisecond,
	}

	startupLogger.Info("Starting API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("API server listener failed", zap.Error(err))
		}
	}()

	return s
}

func (s *ApiServer) createHandler(pipeline *Pipeline) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", NewSocketWsAcceptor(s.logger, s.config, s.sessionRegistry, s.tracker, s.metrics, pipeline)).Methods("GET")
	r.HandleFunc("/healthcheck", s.handleHealthcheck).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/push/subscription", s.handleSubscribe).Methods("PUT")
	v1.HandleFunc("/push/subscription", s.handleUnsubscribe).Methods("DELETE")
	v1.HandleFunc("/notify", s.handleNotify).Methods("POST")
	v1.HandleFunc("/status/{kind}/{id}", s.handleStatus).Methods("GET")

	handler := handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(r)
	handler = handlers.CORS(
		handlers.AllowedMethods([]string{"GET", "PUT", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
	)(handler)
	return handler
}

func (s *ApiServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("API server shutdown failed", zap.Error(err))
	}
}

type ctxIdentityKey struct{}

// authenticate verifies the bearer token and stashes the authenticated
// identity on the request context.
func (s *ApiServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Missing or invalid token", 401)
			return
		}
		identity, ok := parseToken([]byte(s.config.GetSession().EncryptionKey), token)
		if !ok {
			http.Error(w, "Missing or invalid token", 401)
			return
		}
		ctx := context.WithValue(r.Context(), ctxIdentityKey{}, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIdentity(r *http.Request) Identity {
	identity, _ := r.Context().Value(ctxIdentityKey{}).(Identity)
	return identity
}

func (s *ApiServer) handleHealthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"name":     s.config.GetName(),
		"sessions": s.sessionRegistry.Count(),
	})
}

func (s *ApiServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r)

	blob, err := io.ReadAll(io.LimitReader(r.Body, s.config.GetSocket().MaxMessageSizeBytes))
	if err != nil {
		http.Error(w, "Could not read request body", 400)
		return
	}
	if !json.Valid(blob) {
		http.Error(w, "Subscription must be JSON", 400)
		return
	}

	if err := s.notifier.Subscribe(r.Context(), identity.ID, blob); err != nil {
		s.logger.Error("Could not store push subscription", zap.String("identity", identity.String()), zap.Error(err))
		http.Error(w, "Could not store subscription", 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ApiServer) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	identity := requestIdentity(r)

	if err := s.notifier.Unsubscribe(r.Context(), identity.ID); err != nil {
		s.logger.Error("Could not remove push subscription", zap.String("identity", identity.String()), zap.Error(err))
		http.Error(w, "Could not remove subscription", 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// NotifyRequest is a server-side dispatch request from the application layer.
// Exactly one of Identities or Kind selects the live recipients; Persistent
// additionally pushes a web push notification to each listed identity and is
// only valid with an explicit identity list.
type NotifyRequest struct {
	Identities []Identity      `json:"identities,omitempty"`
	Kind       IdentityKind    `json:"kind,omitempty"`
	Event      string          `json:"event"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Persistent bool            `json:"persistent,omitempty"`
}

func (s *ApiServer) handleNotify(w http.ResponseWriter, r *http.Request) {
	// Only back-office staff may drive server-side dispatch.
	if identity := requestIdentity(r); identity.Kind != IdentityKindEmployee {
		http.Error(w, "Forbidden", 403)
		return
	}

	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Could not parse request body", 400)
		return
	}
	if req.Event == "" {
		http.Error(w, "Event name is required", 400)
		return
	}

	envelope := &Envelope{Event: req.Event, Payload: req.Payload}

	switch {
	case req.Kind != "":
		// Kind mode ignores the identity list entirely, so a push fallback has
		// no targets here. Reject rather than silently doing nothing.
		if req.Persistent {
			http.Error(w, "Persistent delivery requires explicit identities", 400)
			return
		}
		s.router.BroadcastToKind(s.logger, req.Kind, envelope)
	case len(req.Identities) > 0:
		s.router.SendToMany(s.logger, req.Identities, envelope)
	default:
		http.Error(w, "Either identities or kind is required", 400)
		return
	}

	// Live delivery above is fire-and-forget; the push fallback is tracked
	// per-identity so the caller can retry the targets that failed.
	failed := make([]Identity, 0)
	if req.Persistent {
		for _, identity := range req.Identities {
			if err := s.notifier.Notify(r.Context(), identity.ID, envelope); err != nil {
				s.logger.Warn("Push fallback delivery failed", zap.String("identity", identity.String()), zap.Error(err))
				failed = append(failed, identity)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"failed": failed})
}

func (s *ApiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	identity := Identity{Kind: IdentityKind(vars["kind"]), ID: vars["id"]}
	if !identity.Valid() {
		http.Error(w, "Invalid identity", 400)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(StatusReply{
		ID:     identity.ID,
		Kind:   string(identity.Kind),
		Online: s.tracker.IsOnline(identity),
	})
}
