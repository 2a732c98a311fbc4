// Command mock-integrations serves fake CRM, call transcript and chat backends for local runs
// of the federator. Faults can be injected per backend to exercise circuit breakers:
//
//	curl -XPOST 'localhost:8090/admin/fault?service=crm&fail_rate=1&latency=2s'
package main

import (
	"encoding/json"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type fault struct {
	failRate float64
	latency  time.Duration
}

type faults struct {
	mu  sync.RWMutex
	set map[string]fault
}

func (f *faults) get(service string) fault {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.set[service]
}

func (f *faults) put(service string, v fault) {
	f.mu.Lock()
	f.set[service] = v
	f.mu.Unlock()
}

type queryPayload struct {
	Capability string            `json:"capability"`
	Query      string            `json:"query"`
	Filters    map[string]string `json:"filters"`
	Limit      int               `json:"limit"`
	TenantID   string            `json:"tenant_id"`
	Upstream   []struct {
		ID string `json:"id"`
	} `json:"upstream"`
}

func main() {
	addr := os.Getenv("MOCK_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	injected := &faults{set: make(map[string]fault)}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/fault", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		q := r.URL.Query()
		rate, _ := strconv.ParseFloat(q.Get("fail_rate"), 64)
		latency, _ := time.ParseDuration(q.Get("latency"))
		injected.put(q.Get("service"), fault{failRate: rate, latency: latency})
		writeJSON(w, map[string]any{"service": q.Get("service"), "fail_rate": rate, "latency": latency.String()})
	})

	for service, handler := range map[string]func(queryPayload) []map[string]any{
		"crm":   crmRecords,
		"calls": callRecords,
		"chat":  chatRecords,
	} {
		service, handler := service, handler
		mux.HandleFunc("/"+service+"/healthz", func(w http.ResponseWriter, _ *http.Request) {
			if injectFault(w, injected.get(service)) {
				return
			}
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/"+service+"/query", func(w http.ResponseWriter, r *http.Request) {
			if !enforcePost(w, r) {
				return
			}
			if injectFault(w, injected.get(service)) {
				return
			}
			var payload queryPayload
			if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			records := handler(payload)
			if payload.Limit > 0 && len(records) > payload.Limit {
				records = records[:payload.Limit]
			}
			writeJSON(w, map[string]any{"records": records})
		})
	}

	logger := log.New(log.Writer(), "integrations-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func injectFault(w http.ResponseWriter, f fault) bool {
	if f.latency > 0 {
		time.Sleep(f.latency)
	}
	if f.failRate > 0 && rand.Float64() < f.failRate {
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return true
	}
	return false
}

func crmRecords(p queryPayload) []map[string]any {
	now := time.Now().UTC()
	return []map[string]any{
		{"id": "acct-001", "name": "Acme Corp", "stage": "renewal", "arr": 120000, "owner": "j.doe", "updated_at": now.Add(-2 * time.Hour).Format(time.RFC3339)},
		{"id": "acct-002", "name": "Globex", "stage": "expansion", "arr": 86000, "owner": "a.lee", "updated_at": now.Add(-26 * time.Hour).Format(time.RFC3339)},
		{"id": "acct-003", "name": "Initech", "stage": "at_risk", "arr": 43000, "owner": "j.doe", "updated_at": now.Add(-5 * time.Hour).Format(time.RFC3339)},
	}
}

func callRecords(p queryPayload) []map[string]any {
	now := time.Now().UTC()
	out := make([]map[string]any, 0, len(p.Upstream))
	for i, acct := range p.Upstream {
		out = append(out, map[string]any{
			"id":         "call-" + strings.TrimPrefix(acct.ID, "acct-"),
			"account_id": acct.ID,
			"summary":    "Quarterly review; pricing concerns raised",
			"duration_s": 1800 + i*120,
			"updated_at": now.Add(-time.Duration(i+1) * 24 * time.Hour).Format(time.RFC3339),
		})
	}
	return out
}

func chatRecords(p queryPayload) []map[string]any {
	now := time.Now().UTC()
	return []map[string]any{
		{"id": "acct-001", "open_tickets": 3, "last_ticket": "SSO login loop", "updated_at": now.Add(-30 * time.Minute).Format(time.RFC3339)},
		{"id": "acct-003", "open_tickets": 7, "last_ticket": "Export timeouts", "updated_at": now.Add(-3 * time.Hour).Format(time.RFC3339)},
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
