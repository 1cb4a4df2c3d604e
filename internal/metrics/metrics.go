// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package metrics holds the Prometheus instrumentation shared by the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcoder_commands_total",
		Help: "Total number of bus commands handled by type and result",
	}, []string{"type", "result"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "transcoder_sessions_active",
		Help: "Number of sessions currently registered with the dispatcher",
	})

	SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcoder_session_transitions_total",
		Help: "Session lifecycle transitions by target state",
	}, []string{"to"})

	EncoderStartTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcoder_encoder_start_total",
		Help: "Total number of encoder process spawns",
	}, []string{"mode", "result"})

	EncoderExitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcoder_encoder_exit_total",
		Help: "Total number of encoder process exits by reason",
	}, []string{"reason"})

	EncoderRuntime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcoder_encoder_runtime_seconds",
		Help:    "Wall-clock lifetime of encoder processes",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s .. ~68m
	})

	ProcTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcoder_proc_terminate_total",
		Help: "Signals sent to encoder process groups",
	}, []string{"signal", "result"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcoder_bus_dropped_total",
		Help: "Bus messages dropped by channel and reason",
	}, []string{"channel", "reason"})

	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcoder_bus_published_total",
		Help: "Bus messages published by channel and result",
	}, []string{"channel", "result"})

	ManifestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transcoder_manifest_create_total",
		Help: "Manifest generation attempts by result",
	}, []string{"result"})

	ManifestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "transcoder_manifest_create_duration_seconds",
		Help:    "Duration of manifest generation including probing",
		Buckets: prometheus.DefBuckets,
	})
)

// IncCommand records a handled command.
func IncCommand(commandType, result string) {
	if commandType == "" {
		commandType = "unknown"
	}
	CommandsTotal.WithLabelValues(commandType, result).Inc()
}

// IncSessionTransition records a session entering the given state.
func IncSessionTransition(to string) {
	SessionTransitions.WithLabelValues(to).Inc()
}

// RecordEncoderStart records a spawn attempt for the given output mode.
func RecordEncoderStart(mode, result string) {
	EncoderStartTotal.WithLabelValues(mode, result).Inc()
}

// RecordEncoderExit records an encoder exit and its lifetime.
func RecordEncoderExit(reason string, runtime time.Duration) {
	EncoderExitTotal.WithLabelValues(reason).Inc()
	if runtime > 0 {
		EncoderRuntime.Observe(runtime.Seconds())
	}
}

// IncProcTerminate records a signal delivery attempt to a process group.
func IncProcTerminate(signal, result string) {
	ProcTerminateTotal.WithLabelValues(signal, result).Inc()
}

// IncBusDropReason records a dropped bus message with a concrete reason.
func IncBusDropReason(channel, reason string) {
	if channel == "" {
		channel = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(channel, reason).Inc()
}

// IncBusPublish records a publish attempt.
func IncBusPublish(channel, result string) {
	BusPublishedTotal.WithLabelValues(channel, result).Inc()
}

// ObserveManifest records a manifest generation attempt.
func ObserveManifest(result string, d time.Duration) {
	ManifestTotal.WithLabelValues(result).Inc()
	ManifestDuration.Observe(d.Seconds())
}
