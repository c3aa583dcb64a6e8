// stub-api is a stand-in for the external email delivery API, for local
// testing only. It accepts the {email, message} payload and injects a
// configurable share of 500s so retry and dead-letter paths can be watched
// end to end.
package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"net/mail"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"
)

type sendRequest struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

func main() {
	log.Println("Starting STUB email API (responses are simulated)...")

	failPercent := 10
	if v := os.Getenv("STUB_FAIL_PERCENT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			log.Fatalf("invalid STUB_FAIL_PERCENT %q", v)
		}
		failPercent = n
	}

	var received, failed int64

	mux := http.NewServeMux()

	mux.HandleFunc("POST /send", func(w http.ResponseWriter, r *http.Request) {
		var req sendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed JSON body"})
			return
		}
		if _, err := mail.ParseAddress(req.Email); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid email address"})
			return
		}
		if req.Message == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
			return
		}

		atomic.AddInt64(&received, 1)

		if rand.Intn(100) < failPercent {
			atomic.AddInt64(&failed, 1)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "simulated outage"})
			return
		}

		log.Printf("Delivered to %s: %q", req.Email, req.Message)
		writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":       "ok",
			"received":     atomic.LoadInt64(&received),
			"failed":       atomic.LoadInt64(&failed),
			"fail_percent": failPercent,
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "9090"
	}

	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("Stub API listening on :%s (fail_percent=%d)", port, failPercent)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down stub API...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	log.Println("Stub API stopped")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
