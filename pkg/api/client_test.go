package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stakehost/stakehost/pkg/keystore"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	kv := keystore.NewStore(keystore.NewMemoryBackend(), "base-alice")
	require.NoError(t, kv.Set(context.Background(), "authToken", "tok-123"))

	return NewClient(Config{
		BaseURL:    srv.URL + "/",
		Retries:    retries,
		RetryDelay: time.Millisecond,
		Timeout:    5 * time.Second,
	}, kv)
}

func TestClient_Request(t *testing.T) {
	var got *http.Request
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":7,"name":"account-0"}`)
	}, 0)

	var out Account
	require.NoError(t, c.Request(context.Background(), http.MethodPost, "/accounts", map[string]any{"network": "pyrmont"}, &out))

	assert.Equal(t, "/accounts", got.URL.Path)
	assert.Equal(t, "Bearer tok-123", got.Header.Get("Authorization"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "pyrmont", gotBody["network"])
	assert.Equal(t, Account{ID: 7, Name: "account-0"}, out)
}

func TestClient_Retry(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []int
		retries   int
		wantCalls int32
		wantCode  int
	}{
		{name: "server error then success", statuses: []int{500, 502, 200}, retries: 3, wantCalls: 3},
		{name: "rate limited then success", statuses: []int{429, 200}, retries: 3, wantCalls: 2},
		{name: "client error is not retried", statuses: []int{404}, retries: 3, wantCalls: 1, wantCode: 404},
		{name: "retries exhausted", statuses: []int{503, 503, 503}, retries: 2, wantCalls: 3, wantCode: 503},
		{name: "no retries configured", statuses: []int{500}, retries: 0, wantCalls: 1, wantCode: 500},
		{name: "client error on last attempt", statuses: []int{500, 400}, retries: 1, wantCalls: 2, wantCode: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				status := tt.statuses[len(tt.statuses)-1]
				if int(n) <= len(tt.statuses) {
					status = tt.statuses[n-1]
				}
				w.WriteHeader(status)
				_, _ = io.WriteString(w, `{"message":"nope"}`)
			}, tt.retries)

			err := c.Request(context.Background(), http.MethodGet, "accounts", nil, nil)
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			if tt.wantCode == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, StatusCode(err))

			var ae *APIError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, "nope", ae.Message)
		})
	}
}

func TestClient_TransportErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 2, RetryDelay: time.Millisecond}, nil)
	err := c.Request(context.Background(), http.MethodGet, "accounts", nil, nil)
	require.Error(t, err)
	assert.Zero(t, StatusCode(err))
}

func TestClient_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 5)
	c.cfg.RetryDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Request(ctx, http.MethodGet, "accounts", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{delay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "bad", errorMessage([]byte(`{"message":"bad"}`)))
	assert.Equal(t, "worse", errorMessage([]byte(`{"error":"worse"}`)))
	assert.Equal(t, "plain text", errorMessage([]byte("plain text\n")))
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()

	type seen struct {
		method string
		path   string
		body   map[string]any
	}
	var requests []seen

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		requests = append(requests, seen{method: r.Method, path: r.URL.Path, body: body})

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/accounts":
			_, _ = io.WriteString(w, `[{"name":"account-1","publicKey":"0xa1","network":"pyrmont"}]`)
		case r.URL.Path == "/ethereum2/highest-attestation":
			_, _ = io.WriteString(w, `{"a1":{"highest_source_epoch":10,"highest_target_epoch":11}}`)
		case r.Method == http.MethodPost:
			_, _ = io.WriteString(w, `{"id":1,"name":"account-1","network":"pyrmont"}`)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}, 0)
	accounts := NewAccounts(c)

	list, err := accounts.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "0xa1", list[0].PublicKey)

	created, err := accounts.Create(ctx, NewAccount{Name: "account-1", ValidationPubKey: "a1", Network: "pyrmont"})
	require.NoError(t, err)
	assert.Equal(t, 1, created.ID)

	require.NoError(t, accounts.DeleteAll(ctx))
	require.NoError(t, accounts.UpdateStatus(ctx, "7", map[string]any{"status": "active"}))
	assert.EqualError(t, accounts.UpdateStatus(ctx, "", nil), "route is required")

	att, err := accounts.HighestAttestation(ctx, []string{"a1"}, "pyrmont")
	require.NoError(t, err)
	assert.Equal(t, Attestation{HighestSourceEpoch: 10, HighestTargetEpoch: 11}, att["a1"])

	n := len(requests)
	att, err = accounts.HighestAttestation(ctx, nil, "pyrmont")
	require.NoError(t, err)
	assert.Empty(t, att)
	assert.Len(t, requests, n)

	var methods []string
	for _, r := range requests {
		methods = append(methods, r.method+" "+r.path)
	}
	assert.Equal(t, []string{
		"GET /accounts",
		"POST /accounts",
		"DELETE /accounts",
		"PATCH /accounts/7",
		"POST /ethereum2/highest-attestation",
	}, methods)
	assert.Equal(t, "active", requests[3].body["status"])
	assert.Equal(t, "pyrmont", requests[4].body["network"])
}
