package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	signatureHeader = "X-Cronqueue-Signature"
	jobHeader       = "X-Cronqueue-Job"
)

// message mirrors the body cronqueue posts for every fired job.
type message struct {
	JobDefinitionID *int64         `json:"job_definition_id"`
	Name            string         `json:"name"`
	Parameters      map[string]any `json:"parameters"`
	FiredAt         time.Time      `json:"fired_at"`
}

type delivery struct {
	ReceivedAt string  `json:"received_at"`
	Signed     bool    `json:"signed"`
	Message    message `json:"message"`
}

type stats struct {
	Count          int64            `json:"count"`
	Rejected       int64            `json:"rejected"`
	PerJob         map[string]int64 `json:"per_job"`
	LastDeliveries []delivery       `json:"last_deliveries"`
	Since          string           `json:"since"`
}

type receiver struct {
	secret    string
	maxStored int

	mu         sync.Mutex
	count      int64
	rejected   int64
	perJob     map[string]int64
	deliveries []delivery
	failNext   int
	since      time.Time
}

func newReceiver(secret string) *receiver {
	return &receiver{
		secret:    secret,
		maxStored: 50,
		perJob:    make(map[string]int64),
		since:     time.Now().UTC(),
	}
}

func main() {
	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	rc := newReceiver(os.Getenv("WEBHOOK_SECRET"))

	log.Printf("webhook-receiver listening on %s (signature check: %t)", addr, rc.secret != "")
	log.Fatal(http.ListenAndServe(addr, rc.routes()))
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", rc.hookHandler)
	mux.HandleFunc("/stats", rc.statsHandler)
	mux.HandleFunc("/fail", rc.failHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		rc.mu.Lock()
		rc.count = 0
		rc.rejected = 0
		rc.perJob = make(map[string]int64)
		rc.deliveries = nil
		rc.failNext = 0
		rc.since = time.Now().UTC()
		rc.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})
	return mux
}

func (rc *receiver) hookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get(signatureHeader)
	if rc.secret != "" && !validSignature(rc.secret, body, sig) {
		rc.mu.Lock()
		rc.rejected++
		rc.mu.Unlock()
		log.Printf("hook rejected: bad signature for job %q", r.Header.Get(jobHeader))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var msg message
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	rc.mu.Lock()
	if rc.failNext > 0 {
		rc.failNext--
		rc.mu.Unlock()
		log.Printf("hook failing on purpose for job %q", msg.Name)
		http.Error(w, "induced failure", http.StatusServiceUnavailable)
		return
	}
	rc.count++
	rc.perJob[msg.Name]++
	rc.deliveries = append(rc.deliveries, delivery{
		ReceivedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Signed:     sig != "",
		Message:    msg,
	})
	if len(rc.deliveries) > rc.maxStored {
		rc.deliveries = rc.deliveries[len(rc.deliveries)-rc.maxStored:]
	}
	current := rc.count
	rc.mu.Unlock()

	log.Printf("hook received #%d: job=%s fired_at=%s", current, msg.Name, msg.FiredAt.Format(time.RFC3339))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"received":%d}`, current)
}

// failHandler makes the next n deliveries fail with 503.
func (rc *receiver) failHandler(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n < 0 {
		http.Error(w, "n must be a non-negative integer", http.StatusBadRequest)
		return
	}
	rc.mu.Lock()
	rc.failNext = n
	rc.mu.Unlock()
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"fail_next":%d}`, n)
}

func (rc *receiver) statsHandler(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	perJob := make(map[string]int64, len(rc.perJob))
	for k, v := range rc.perJob {
		perJob[k] = v
	}
	s := stats{
		Count:          rc.count,
		Rejected:       rc.rejected,
		PerJob:         perJob,
		LastDeliveries: append([]delivery(nil), rc.deliveries...),
		Since:          rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}

func validSignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
