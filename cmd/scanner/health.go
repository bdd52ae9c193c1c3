package main

import (
	"context"
	"net/http"
	"time"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type classifierHealth interface {
	IsConfigured() bool
	HealthCheck(ctx context.Context) error
}

// healthHandler always answers 200: cached reads, queued writes and
// unknown labels keep scans running while a dependency is down.
func healthHandler(remote pinger, classifier classifierHealth) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := remote.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("degraded: remote store: " + err.Error()))
			return
		}
		if classifier.IsConfigured() {
			if err := classifier.HealthCheck(ctx); err != nil {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("degraded: classifier: " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
