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
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics is the instrumentation surface used by the realtime components.
type Metrics interface {
	GaugeSessions(value float64)
	GaugePresences(value float64)

	Message(recvBytes int64, isErr bool)
	MessageBytesSent(sentBytes int64)

	CountDispatch(sessions int64)
	CountPushSent(delta int64)
	CountPushFailed(delta int64)
	CountPushPruned(delta int64)

	Handler() http.Handler
	Stop(logger *zap.Logger)
}

// LocalMetrics exports server metrics through a Prometheus registry.
type LocalMetrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	currentSessions  prometheus.Gauge
	currentPresences prometheus.Gauge

	messageRecvBytes prometheus.Counter
	messageRecvCount prometheus.Counter
	messageRecvErrs  prometheus.Counter
	messageSentBytes prometheus.Counter

	dispatchSessions prometheus.Counter
	pushSent         prometheus.Counter
	pushFailed       prometheus.Counter
	pushPruned       prometheus.Counter
}

func NewLocalMetrics(logger *zap.Logger, config Config) *LocalMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	constLabels := prometheus.Labels{"node": config.GetName()}

	m := &LocalMetrics{
		logger:   logger,
		registry: registry,

		currentSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "atrium",
			Name:        "sessions_current",
			Help:        "Number of live socket sessions.",
			ConstLabels: constLabels,
		}),
		currentPresences: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "atrium",
			Name:        "presences_current",
			Help:        "Number of registered identity presences.",
			ConstLabels: constLabels,
		}),
		messageRecvBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "atrium",
			Name:        "message_recv_bytes_total",
			Help:        "Bytes received from clients.",
			ConstLabels: constLabels,
		}),
		messageRecvCount: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "atrium",
			Name:        "message_recv_total",
			Help:        "Messages received from clients.",
			ConstLabels: constLabels,
		}),
		messageRecvErrs: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "atrium",
			Name:        "message_recv_errors_total",
			Help:        "Client messages that terminated the connection.",
			ConstLabels: constLabels,
		}),
		messageSentBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "atrium",
			Name:        "message_sent_bytes_total",
			Help:        "Bytes written to clients.",
			ConstLabels: constLabels,
		}),
		dispatchSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "atrium",
			Name:        "dispatch_sessions_total",
			Help:        "Live sessions an event dispatch was attempted to.",
			ConstLabels: constLabels,
		}),
		pushSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "atrium",
			Name:        "push_sent_total",
			Help:        "Web push notifications accepted by the push service.",
			ConstLabels: constLabels,
		}),
		pushFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "atrium",
			Name:        "push_failed_total",
			Help:        "Web push deliveries that failed without pruning the subscription.",
			ConstLabels: constLabels,
		}),
		pushPruned: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "atrium",
			Name:        "push_pruned_total",
			Help:        "Push subscriptions pruned after a permanent delivery failure.",
			ConstLabels: constLabels,
		}),
	}

	return m
}

func (m *LocalMetrics) GaugeSessions(value float64) {
	m.currentSessions.Set(value)
}

func (m *LocalMetrics) GaugePresences(value float64) {
	m.currentPresences.Set(value)
}

func (m *LocalMetrics) Message(recvBytes int64, isErr bool) {
	m.messageRecvBytes.Add(float64(recvBytes))
	m.messageRecvCount.Inc()
	if isErr {
		m.messageRecvErrs.Inc()
	}
}

func (m *LocalMetrics) MessageBytesSent(sentBytes int64) {
	m.messageSentBytes.Add(float64(sentBytes))
}

func (m *LocalMetrics) CountDispatch(sessions int64) {
	m.dispatchSessions.Add(float64(sessions))
}

func (m *LocalMetrics) CountPushSent(delta int64) {
	m.pushSent.Add(float64(delta))
}

func (m *LocalMetrics) CountPushFailed(delta int64) {
	m.pushFailed.Add(float64(delta))
}

func (m *LocalMetrics) CountPushPruned(delta int64) {
	m.pushPruned.Add(float64(delta))
}

func (m *LocalMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	logger.Info("Metrics stopped")
}
