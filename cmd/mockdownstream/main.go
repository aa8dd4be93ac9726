// Command mockdownstream is a small, independently configurable HTTP
// server standing in for the remote services a workflow's steps call.
// It answers the seeded order-processing fixture's routes and lets an
// operator inject failure or latency per route via environment
// variables, for exercising the step executor's retry and compensation
// paths without a real downstream.
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// routeConfig lets an operator force a route's response and add
// artificial latency, driven entirely by env vars so no config file is
// needed for local exercises.
type routeConfig struct {
	statusCode int
	delay      time.Duration
}

func loadRouteConfig(envPrefix string) routeConfig {
	cfg := routeConfig{statusCode: http.StatusOK}
	if v := os.Getenv(envPrefix + "_STATUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.statusCode = n
		}
	}
	if v := os.Getenv(envPrefix + "_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.delay = time.Duration(n) * time.Millisecond
		}
	}
	return cfg
}

func handler(name, envPrefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := loadRouteConfig(envPrefix)

		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		logReceipt(name, r.Header.Get("x-idempotency-key"), r.Header.Get("x-correlation-id"), body)

		if cfg.delay > 0 {
			time.Sleep(cfg.delay)
		}

		w.Header().Set("content-type", "application/json")
		w.WriteHeader(cfg.statusCode)
		if cfg.statusCode >= 200 && cfg.statusCode < 300 {
			_ = json.NewEncoder(w).Encode(map[string]any{"route": name, "received": body})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"error": name + " failed", "statusCode": cfg.statusCode})
	}
}

// logReceipt wraps every received call in a CloudEvent before logging
// it, so downstream call traffic can be replayed through any
// CloudEvents-aware tooling without this service needing a broker of
// its own.
func logReceipt(route, idempotencyKey, correlationID string, body map[string]any) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource("sagaengine/mockdownstream")
	event.SetType("com.sagaengine.downstream.received")
	event.SetTime(time.Now())
	event.SetExtension("route", route)
	event.SetExtension("idempotencykey", idempotencyKey)
	event.SetExtension("correlationid", correlationID)
	if err := event.SetData(cloudevents.ApplicationJSON, body); err != nil {
		slog.Warn("failed to attach payload to cloudevent", "error", err)
	}

	encoded, err := event.MarshalJSON()
	if err != nil {
		slog.Warn("failed to marshal cloudevent", "error", err)
		return
	}
	slog.Info("downstream call received", "event", string(encoded))
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	mux := http.NewServeMux()
	mux.HandleFunc("/payments/charge", handler("charge-payment", "MOCKDOWNSTREAM_CHARGE"))
	mux.HandleFunc("/payments/refund", handler("refund-payment", "MOCKDOWNSTREAM_REFUND"))
	mux.HandleFunc("/inventory/reserve", handler("reserve-inventory", "MOCKDOWNSTREAM_RESERVE"))
	mux.HandleFunc("/notifications/email", handler("send-confirmation-email", "MOCKDOWNSTREAM_EMAIL"))

	addr := os.Getenv("MOCKDOWNSTREAM_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	slog.Info("mockdownstream listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("mockdownstream exited", "error", err)
		os.Exit(1)
	}
}
