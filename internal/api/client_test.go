package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fleetlink.org/internal/kv"
	"fleetlink.org/internal/session"
)

// fakeBackend simulates the fleet backend: a protected resource plus a
// refresh endpoint that rotates the accepted token.
type fakeBackend struct {
	mu            sync.Mutex
	validToken    string
	refreshCalls  int
	resourceCalls int

	refreshStatus  int // non-zero forces the refresh endpoint to fail
	refreshDelay   time.Duration
	resourceStatus int // non-zero forces the resource answer
	resourceDelay  time.Duration
}

func (b *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.refreshCalls++
		calls := b.refreshCalls
		status := b.refreshStatus
		delay := b.refreshDelay
		b.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if status != 0 {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"refresh rejected"}`)
			return
		}
		newToken := fmt.Sprintf("token-%d", calls+1)
		b.mu.Lock()
		b.validToken = newToken
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  newToken,
			"refresh_token": fmt.Sprintf("refresh-%d", calls+1),
			"user_id":       "u1",
			"role":          "driver",
			"permissions":   []string{"*"},
		})
	})
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"access_token":  "token-1",
				"refresh_token": "refresh-1",
				"user_id":       "u1",
				"email":         "driver@example.com",
				"role":          "driver",
				"permissions":   []string{"trips.read"},
				"preferences":   map[string]string{"theme": "dark"},
			},
		})
	})
	mux.HandleFunc("/vehicles", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.resourceCalls++
		valid := b.validToken
		status := b.resourceStatus
		delay := b.resourceDelay
		b.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if status != 0 {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":"forced"}`)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid token"}`)
			return
		}
		fmt.Fprint(w, `{"data":{"count":3}}`)
	})
	return mux
}

func (b *fakeBackend) counts() (refresh, resource int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshCalls, b.resourceCalls
}

func newTestSession(t *testing.T) *session.Store {
	t.Helper()
	medium, err := kv.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { _ = medium.Close() })
	return session.New(medium)
}

func seedSession(t *testing.T, sess *session.Store) {
	t.Helper()
	err := sess.WriteCredentials(session.Credentials{
		AccessToken:  "token-1",
		RefreshToken: "refresh-1",
	})
	if err != nil {
		t.Fatalf("seed credentials: %v", err)
	}
}

func newTestClient(t *testing.T, backend *fakeBackend, opts ...Option) (*Client, *session.Store, *fakeBackend) {
	t.Helper()
	if backend.validToken == "" {
		backend.validToken = "token-1"
	}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	sess := newTestSession(t)
	client, err := New(srv.URL, sess, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return client, sess, backend
}

func TestDoSuccess(t *testing.T) {
	client, sess, _ := newTestClient(t, &fakeBackend{})
	seedSession(t, sess)

	env, err := client.Do(context.Background(), http.MethodGet, "/vehicles", nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	var got struct {
		Count int `json:"count"`
	}
	if err := env.Decode(&got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Count != 3 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestNoTokenFailsWithoutNetwork(t *testing.T) {
	client, _, backend := newTestClient(t, &fakeBackend{})

	_, err := client.Do(context.Background(), http.MethodGet, "/vehicles", nil)
	if KindOf(err) != KindUnauthenticated {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
	if _, resource := backend.counts(); resource != 0 {
		t.Fatalf("no network call may be attempted without a token")
	}
}

func TestRefreshAndRetry(t *testing.T) {
	// The backend only accepts token-2; the seeded token-1 draws a 401.
	client, sess, backend := newTestClient(t, &fakeBackend{validToken: "token-2"})
	seedSession(t, sess)

	env, err := client.Do(context.Background(), http.MethodGet, "/vehicles", nil)
	if err != nil {
		t.Fatalf("Do after refresh: %v", err)
	}
	var got struct {
		Count int `json:"count"`
	}
	_ = env.Decode(&got)
	if got.Count != 3 {
		t.Fatalf("caller must receive the final payload, got %+v", got)
	}

	refresh, _ := backend.counts()
	if refresh != 1 {
		t.Fatalf("expected exactly one refresh, got %d", refresh)
	}
	if tok, _ := sess.AccessToken(); tok != "token-2" {
		t.Fatalf("session must hold the refreshed token, got %q", tok)
	}
}

func TestConcurrentCallersShareOneRefresh(t *testing.T) {
	backend := &fakeBackend{validToken: "token-2", refreshDelay: 50 * time.Millisecond}
	client, sess, _ := newTestClient(t, backend)
	seedSession(t, sess)

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Do(context.Background(), http.MethodGet, "/vehicles", nil)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	refresh, _ := backend.counts()
	if refresh != 1 {
		t.Fatalf("expected exactly one refresh for %d concurrent callers, got %d", callers, refresh)
	}
}

func TestCancelledCallerDoesNotFailJoinedRefresh(t *testing.T) {
	// Caller A cancels while the refresh is in flight. The refresh outcome
	// belongs to every waiter: it must complete for caller B, the session
	// must survive, and only A sees a cancellation.
	backend := &fakeBackend{validToken: "token-2", refreshDelay: 200 * time.Millisecond}
	client, sess, _ := newTestClient(t, backend)
	seedSession(t, sess)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = client.Do(ctxA, http.MethodGet, "/vehicles", nil)
	}()
	go func() {
		defer wg.Done()
		_, errB = client.Do(context.Background(), http.MethodGet, "/vehicles", nil)
	}()

	time.Sleep(50 * time.Millisecond)
	cancelA()
	wg.Wait()

	if errB != nil {
		t.Fatalf("healthy caller must receive the shared refresh outcome: %v", errB)
	}
	if !errors.Is(errA, context.Canceled) {
		t.Fatalf("cancelled caller must see its own cancellation, got %v", errA)
	}
	if KindOf(errA) == KindAuthExpired || KindOf(errA) == KindNetwork {
		t.Fatalf("cancellation must not be classified as auth or transport failure: %v", errA)
	}
	if _, ok := sess.RefreshToken(); !ok {
		t.Fatalf("one caller's cancellation must not erase the session")
	}
	if tok, _ := sess.AccessToken(); tok != "token-2" {
		t.Fatalf("refresh must still land, session holds %q", tok)
	}
	refresh, _ := backend.counts()
	if refresh != 1 {
		t.Fatalf("expected exactly one refresh, got %d", refresh)
	}
}

func TestRefreshFailureErasesSession(t *testing.T) {
	backend := &fakeBackend{validToken: "token-2", refreshStatus: http.StatusForbidden}
	client, sess, _ := newTestClient(t, backend)
	seedSession(t, sess)

	_, err := client.Do(context.Background(), http.MethodGet, "/vehicles", nil)
	if KindOf(err) != KindAuthExpired {
		t.Fatalf("expected auth expired, got %v", err)
	}
	if _, ok := sess.AccessToken(); ok {
		t.Fatalf("access token must be erased after refresh failure")
	}
	if _, ok := sess.RefreshToken(); ok {
		t.Fatalf("refresh token must be erased after refresh failure")
	}
}

func TestSecondUnauthorizedAfterRetryIsTerminal(t *testing.T) {
	// Resource rejects every token; refresh succeeds but the retry draws
	// another 401, which must not trigger a second refresh.
	backend := &fakeBackend{resourceStatus: http.StatusUnauthorized}
	client, sess, _ := newTestClient(t, backend)
	seedSession(t, sess)

	_, err := client.Do(context.Background(), http.MethodGet, "/vehicles", nil)
	if KindOf(err) != KindAuthExpired {
		t.Fatalf("expected auth expired, got %v", err)
	}
	refresh, _ := backend.counts()
	if refresh != 1 {
		t.Fatalf("the retry is not eligible for a second refresh; got %d refreshes", refresh)
	}
}

func TestTimeoutTranslatedWithBound(t *testing.T) {
	backend := &fakeBackend{resourceDelay: 300 * time.Millisecond}
	client, sess, _ := newTestClient(t, backend)
	seedSession(t, sess)

	_, err := client.Do(context.Background(), http.MethodGet, "/vehicles", nil, WithCallTimeout(30*time.Millisecond))
	if KindOf(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "30ms") {
		t.Fatalf("timeout error must state the elapsed bound: %v", err)
	}
}

func TestCancellationPropagatedAsContextError(t *testing.T) {
	backend := &fakeBackend{resourceDelay: 300 * time.Millisecond}
	client, sess, _ := newTestClient(t, backend)
	seedSession(t, sess)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := client.Do(ctx, http.MethodGet, "/vehicles", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled in the chain, got %v", err)
	}
	if KindOf(err) == KindNetwork || KindOf(err) == KindTimeout {
		t.Fatalf("own cancellation must not read as a transport fault: %v", err)
	}
}

func TestNetworkFailureTranslated(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close() // connection refused from here on

	sess := newTestSession(t)
	seedSession(t, sess)
	client, err := New(srv.URL, sess)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = client.Do(context.Background(), http.MethodGet, "/vehicles", nil)
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network error, got %v", err)
	}
}

func TestUpstreamErrorCarriesStatusAndMessage(t *testing.T) {
	backend := &fakeBackend{resourceStatus: http.StatusServiceUnavailable}
	client, sess, _ := newTestClient(t, backend)
	seedSession(t, sess)

	_, err := client.Do(context.Background(), http.MethodGet, "/vehicles", nil)
	if KindOf(err) != KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if StatusOf(err) != http.StatusServiceUnavailable {
		t.Fatalf("status lost: %d", StatusOf(err))
	}
	if !strings.Contains(err.Error(), "forced") {
		t.Fatalf("server message lost: %v", err)
	}
}

func TestAuthenticateInstallsSession(t *testing.T) {
	client, sess, _ := newTestClient(t, &fakeBackend{})

	_, err := client.Authenticate(context.Background(), "/auth/login",
		map[string]string{"email": "driver@example.com", "password": "hunter22"})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if !sess.HasValidAccessToken() {
		t.Fatalf("login must install a usable access token")
	}
	id, ok := sess.Identity()
	if !ok || id.UserID != "u1" || id.Role != "driver" {
		t.Fatalf("identity not installed: %+v ok=%v", id, ok)
	}
	if id.Preferences["theme"] != "dark" {
		t.Fatalf("preferences not installed: %v", id.Preferences)
	}
}
