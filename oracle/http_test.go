package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbxark/stepagent/types"
)

func serve(t *testing.T, status int, body string) *HTTPGenerator {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req types.OracleRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Trip", req.TaskTitle)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewHTTPGenerator(srv.URL, 5*time.Second)
}

func TestHTTPGeneratorSuccess(t *testing.T) {
	g := serve(t, http.StatusOK, `{"message":"Pick a date","confidence":90,"actions":[{"id":"d","type":"date","label":"Departure"}]}`)
	reply, err := g.Generate(context.Background(), threeStepRequest(0, ""))
	require.NoError(t, err)
	assert.Equal(t, "Pick a date", reply.Message)
	require.Len(t, reply.Actions, 1)
	assert.Equal(t, types.ActionDate, reply.Actions[0].Kind)
}

func TestHTTPGeneratorStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   []error
	}{
		{"too many requests", http.StatusTooManyRequests, `{"error":"Rate limit exceeded. Please try again later."}`, []error{ErrRateLimited}},
		{"payment", http.StatusPaymentRequired, `{"error":"Payment required. Please add credits."}`, []error{ErrUnavailable, ErrPaymentRequired}},
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, []error{ErrUnavailable}},
		{"rate limit in body", http.StatusOK, `{"error":"Rate limit exceeded"}`, []error{ErrRateLimited}},
		{"bad body", http.StatusOK, `<html>`, []error{ErrMalformedReply}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := serve(t, tc.status, tc.body).Generate(context.Background(), threeStepRequest(0, ""))
			require.Error(t, err)
			for _, want := range tc.want {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestHTTPGeneratorUnreachable(t *testing.T) {
	g := NewHTTPGenerator("http://127.0.0.1:1", time.Second)
	_, err := g.Generate(context.Background(), threeStepRequest(0, ""))
	assert.ErrorIs(t, err, ErrUnavailable)
}
