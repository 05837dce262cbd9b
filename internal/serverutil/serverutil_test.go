package serverutil

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type testRequest struct {
	Target   string `json:"target" validate:"required"`
	Function string `json:"function" validate:"required"`
}

func echoTarget() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		req, ok := RequestFromContext[testRequest](r.Context())
		if !ok {
			http.Error(rw, "no request", http.StatusInternalServerError)
			return
		}
		_ = WriteJSON(rw, http.StatusAccepted, map[string]string{"target": req.Target})
	})
}

func TestValidationHandler(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		status int
		want   string
	}{
		{"valid", http.MethodPost, `{"target":"minion","function":"test.ping"}`, http.StatusAccepted, `"target":"minion"`},
		{"missing field", http.MethodPost, `{"target":"minion"}`, http.StatusBadRequest, "Function"},
		{"unknown field", http.MethodPost, `{"target":"minion","function":"x","extra":1}`, http.StatusBadRequest, "Invalid request"},
		{"bad json", http.MethodPost, `{`, http.StatusBadRequest, "Invalid request"},
		{"wrong method", http.MethodGet, ``, http.StatusMethodNotAllowed, "method not allowed"},
	}
	h := NewValidationHandler[testRequest](echoTarget())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, "/dispatch", strings.NewReader(tt.body)))
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestServeStopsWithContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	cfg := DefaultServerConfig()
	cfg.ShutdownTimeout = time.Second
	go func() {
		done <- Serve(ctx, ln, http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
			io.WriteString(rw, "ok")
		}), cfg)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := LoggingMiddleware(lg.NewFromZap(zap.New(core)))(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/dispatch", strings.NewReader(`{"secret":"x"}`)))

	entries := logs.FilterMessage("http request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, http.StatusTeapot, fields["status"])
	assert.Equal(t, "/dispatch", fields["path"])
	assert.NotContains(t, entries[0].Message, "secret")
}
