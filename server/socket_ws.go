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
	"net"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// NewSocketWsAcceptor returns the HTTP handler that authenticates and upgrades
// client connections, then hands the socket to a new session.
func NewSocketWsAcceptor(logger *zap.Logger, config Config, sessionRegistry SessionRegistry, tracker Tracker, metrics Metrics, pipeline *Pipeline) func(http.ResponseWriter, *http.Request) {
	upgrader := &websocket.Upgrader{
		ReadBufferSize:  config.GetSocket().ReadBufferSizeBytes,
		WriteBufferSize: config.GetSocket().WriteBufferSizeBytes,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	return func(w http.ResponseWriter, r *http.Request) {
		// Check authentication.
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Missing or invalid token", 401)
			return
		}
		if _, ok := parseToken([]byte(config.GetSession().EncryptionKey), token); !ok {
			http.Error(w, "Missing or invalid token", 401)
			return
		}

		// Upgrade to WebSocket.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// http.Error is invoked automatically from within the Upgrade function.
			logger.Debug("Could not upgrade to WebSocket", zap.Error(err))
			return
		}

		clientIP, clientPort := extractClientAddress(logger, r)
		sessionID := uuid.Must(uuid.NewV4())

		session := NewSessionWS(logger, config, sessionID, clientIP, clientPort, conn, sessionRegistry, tracker, metrics, pipeline)

		// Register the session for routing. Identity presence is only
		// established later, by an explicit registration event.
		sessionRegistry.Add(session)

		// Consume blocks until the connection is gone.
		session.Consume()
	}
}

func bearerToken(r *http.Request) string {
	if auth := r.Header["Authorization"]; len(auth) >= 1 {
		const prefix = "Bearer "
		if !strings.HasPrefix(auth[0], prefix) {
			return ""
		}
		return auth[0][len(prefix):]
	}
	// Attempt query parameter based authentication.
	return r.URL.Query().Get("token")
}

func extractClientAddress(logger *zap.Logger, r *http.Request) (string, string) {
	clientIP, clientPort, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		logger.Debug("Could not extract client address from request", zap.Error(err))
		return r.RemoteAddr, ""
	}
	// Respect the usual reverse-proxy forwarding headers when present.
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx >= 0 {
			forwarded = forwarded[:idx]
		}
		forwarded = strings.TrimSpace(forwarded)
		if forwarded != "" {
			clientIP = forwarded
			clientPort = ""
		}
	}
	return clientIP, clientPort
}
