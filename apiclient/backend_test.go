package apiclient

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

// fakeBackend is a travel backend with protected /trips routes and the
// /auth endpoints the coordinator calls.
type fakeBackend struct {
	server *httptest.Server
	router chi.Router

	mu           sync.Mutex
	validToken   string
	nextAccess   string
	nextRefresh  string
	refreshDelay time.Duration
	// refreshStatus != 0 makes the refresh endpoint fail with it.
	refreshStatus int
	tripAuth      []string
	tripBodies    []string
	requestIDs    []string
	deviceIDs     []string
	logoutAuth    []string

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	hits         sync.Map // path -> *atomic.Int32
}

func newFakeBackend(t *testing.T, extra func(r chi.Router, fb *fakeBackend)) *fakeBackend {
	t.Helper()

	fb := &fakeBackend{
		nextAccess:  "new123",
		nextRefresh: "refresh-2",
	}

	r := chi.NewRouter()
	r.Use(fb.countHits)
	r.Post("/auth/refresh-token", fb.handleRefresh)
	r.Post("/auth/logout", fb.handleLogout)
	r.Get("/trips", fb.handleTrips)
	r.Post("/trips", fb.handleTrips)
	if extra != nil {
		extra(r, fb)
	}

	fb.router = r
	fb.server = httptest.NewServer(r)
	t.Cleanup(fb.server.Close)
	return fb
}

func (fb *fakeBackend) URL() string {
	return fb.server.URL
}

func (fb *fakeBackend) countHits(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counter, _ := fb.hits.LoadOrStore(r.URL.Path, new(atomic.Int32))
		counter.(*atomic.Int32).Add(1)
		next.ServeHTTP(w, r)
	})
}

func (fb *fakeBackend) Hits(path string) int32 {
	counter, ok := fb.hits.Load(path)
	if !ok {
		return 0
	}
	return counter.(*atomic.Int32).Load()
}

func (fb *fakeBackend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	fb.refreshCalls.Add(1)

	fb.mu.Lock()
	delay, status := fb.refreshDelay, fb.refreshStatus
	access, refresh := fb.nextAccess, fb.nextRefresh
	fb.mu.Unlock()

	time.Sleep(delay)

	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "refreshToken required"})
		return
	}

	if status != 0 {
		writeJSON(w, status, map[string]string{"message": "refresh unavailable"})
		return
	}

	fb.mu.Lock()
	fb.validToken = access
	fb.mu.Unlock()

	data := map[string]string{"jwtToken": access}
	if refresh != "" {
		data["refreshToken"] = refresh
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (fb *fakeBackend) handleLogout(w http.ResponseWriter, r *http.Request) {
	fb.logoutCalls.Add(1)
	fb.mu.Lock()
	fb.logoutAuth = append(fb.logoutAuth, r.Header.Get("Authorization"))
	fb.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (fb *fakeBackend) handleTrips(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	auth := r.Header.Get("Authorization")

	fb.mu.Lock()
	fb.tripAuth = append(fb.tripAuth, auth)
	fb.tripBodies = append(fb.tripBodies, string(body))
	fb.requestIDs = append(fb.requestIDs, r.Header.Get("X-Request-ID"))
	fb.deviceIDs = append(fb.deviceIDs, r.Header.Get("X-Device-ID"))
	valid := fb.validToken
	fb.mu.Unlock()

	if valid == "" || auth != "Bearer "+valid {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "jwt expired"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trips": []map[string]string{{"id": "trip-1", "destination": "Lisbon"}},
	})
}

func (fb *fakeBackend) TripAuth() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.tripAuth...)
}

func (fb *fakeBackend) TripBodies() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.tripBodies...)
}

func (fb *fakeBackend) RequestIDs() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.requestIDs...)
}

func (fb *fakeBackend) DeviceIDs() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.deviceIDs...)
}

func (fb *fakeBackend) set(fn func(fb *fakeBackend)) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fn(fb)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// navCounter counts sign-in redirects.
type navCounter struct {
	calls atomic.Int32
}

func (n *navCounter) RedirectToSignIn() {
	n.calls.Add(1)
}
