package saltapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/andrej220/saltdispatch/pkg/failure"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	authToken  = "123qwe"
	outputJID  = "20130213093536481553"
	minionName = "minion"
	user       = "user"
	password   = "password&!@$*"
	eauth      = "pam"
)

type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// fakeSalt is a scripted salt-api. Each handler answers one path.
type fakeSalt struct {
	mu       sync.Mutex
	requests []recordedRequest
	handlers map[string]http.HandlerFunc
	srv      *httptest.Server
}

func newFakeSalt(t *testing.T) *fakeSalt {
	t.Helper()
	f := &fakeSalt{handlers: map[string]http.HandlerFunc{}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone(), Body: body})
		h, ok := f.handlers[r.URL.Path]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeSalt) handle(path string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[path] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}
}

func (f *fakeSalt) recorded() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func (f *fakeSalt) client(opts ...Option) *Client {
	return New(f.srv.URL, opts...)
}

func assertReason(t *testing.T, err error, want failure.Reason) {
	t.Helper()
	require.Error(t, err)
	got, ok := failure.ReasonOf(err)
	require.True(t, ok, "error %v carries no failure reason", err)
	assert.Equal(t, want, got, err.Error())
}

// --- authenticate -------------------------------------------------------------

func TestAuthenticateWithOKResponseCode(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/login", http.StatusOK, `{"return":[{"token":"123qwe","start":1,"expire":2,"user":"user","eauth":"pam","perms":["test.*"]}]}`)

	token, err := salt.client().Authenticate(context.Background(), Credentials{Username: user, Password: password, Eauth: eauth})
	require.NoError(t, err)
	assert.Equal(t, authToken, token)

	reqs := salt.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, "application/json", reqs[0].Header.Get("Accept"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.JSONEq(t, `{"username":"user","password":"password&!@$*","eauth":"pam"}`, string(reqs[0].Body))
}

func TestAuthenticateDeclined(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/login", http.StatusUnauthorized, `{}`)

	token, err := salt.client().Authenticate(context.Background(), Credentials{Username: user, Password: password, Eauth: eauth})
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestAuthenticateFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		reason failure.Reason
	}{
		{"internal server error", http.StatusInternalServerError, `{}`, failure.CommunicationFailure},
		{"malformed body", http.StatusOK, `not json`, failure.SaltAPIFailure},
		{"no session record", http.StatusOK, `{"return":[]}`, failure.SaltAPIFailure},
		{"no token", http.StatusOK, `{"return":[{"user":"user"}]}`, failure.SaltAPIFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			salt := newFakeSalt(t)
			salt.handle("/login", tt.status, tt.body)

			_, err := salt.client().Authenticate(context.Background(), Credentials{Username: user})
			assertReason(t, err, tt.reason)
		})
	}
}

func TestAuthenticateConnectionRefused(t *testing.T) {
	salt := newFakeSalt(t)
	c := salt.client()
	salt.srv.Close()

	_, err := c.Authenticate(context.Background(), Credentials{Username: user})
	assertReason(t, err, failure.CommunicationFailure)
}

func TestAuthenticateCancelled(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/login", http.StatusOK, `{"return":[{"token":"x"}]}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := salt.client().Authenticate(ctx, Credentials{Username: user})
	assertReason(t, err, failure.Interrupted)
}

// --- logout -------------------------------------------------------------------

func TestLogout(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/logout", http.StatusOK, `{}`)

	salt.client().Logout(context.Background(), authToken)

	reqs := salt.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, "/logout", reqs[0].Path)
	assert.Equal(t, http.MethodPost, reqs[0].Method)
	assert.Equal(t, authToken, reqs[0].Header.Get("X-Auth-Token"))
}

func TestLogoutRemainsQuiet(t *testing.T) {
	salt := newFakeSalt(t)
	c := salt.client()
	salt.srv.Close()

	assert.NotPanics(t, func() { c.Logout(context.Background(), authToken) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() { c.Logout(ctx, authToken) })
}

func TestLogoutWithoutTokenSendsNothing(t *testing.T) {
	salt := newFakeSalt(t)
	salt.client().Logout(context.Background(), "")
	assert.Empty(t, salt.recorded())
}

// --- submit -------------------------------------------------------------------

const acceptedJob = `{"return":[{"jid":"20130213093536481553","minions":["minion"]}],"_links":{"jobs":[{"href":"/jobs/20130213093536481553"}]}}`

func TestSubmitJob(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/minions", http.StatusAccepted, acceptedJob)

	jid, err := salt.client().SubmitJob(context.Background(), authToken, minionName, "some.function", nil)
	require.NoError(t, err)
	assert.Equal(t, JobID(outputJID), jid)

	reqs := salt.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, authToken, reqs[0].Header.Get("X-Auth-Token"))
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	assert.JSONEq(t, `{"fun":"some.function","tgt":"minion"}`, string(reqs[0].Body))
}

func TestSubmitJobWithArgs(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/minions", http.StatusAccepted, acceptedJob)

	_, err := salt.client().SubmitJob(context.Background(), authToken, minionName, `some.function "sdf%33&" "adsf asdf"`, nil)
	require.NoError(t, err)

	var sent submitRequest
	require.NoError(t, json.Unmarshal(salt.recorded()[0].Body, &sent))
	assert.Equal(t, submitRequest{Fun: "some.function", Tgt: minionName, Arg: []string{"sdf%33&", "adsf asdf"}}, sent)
}

func TestSubmitJobQuotedEcho(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/minions", http.StatusAccepted, acceptedJob)

	jid, err := salt.client().SubmitJob(context.Background(), authToken, minionName, `cmd.run "echo hi"`, nil)
	require.NoError(t, err)
	assert.Equal(t, JobID(outputJID), jid)
	assert.JSONEq(t, `{"fun":"cmd.run","tgt":"minion","arg":["echo hi"]}`, string(salt.recorded()[0].Body))
}

func TestSubmitJobNumericJID(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/minions", http.StatusAccepted, `{"return":[{"jid":20130213093536481553,"minions":["minion"]}]}`)

	jid, err := salt.client().SubmitJob(context.Background(), authToken, minionName, "test.ping", nil)
	require.NoError(t, err)
	assert.Equal(t, JobID(outputJID), jid)
}

func TestSubmitJobTargetMismatch(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"no minions matched", `{"return":[{}],"_links":{"jobs":[]}}`},
		{"empty return", `{"return":[]}`},
		{"missing return", `{}`},
		{"minion count mismatch", `{"return":[{"jid":"20130213093536481553","minions":["foo","bar"]}]}`},
		{"minion id mismatch", `{"return":[{"jid":"20130213093536481553","minions":["someotherhost"]}]}`},
		{"mismatch without jid", `{"return":[{"minions":["someotherhost"]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			salt := newFakeSalt(t)
			salt.handle("/minions", http.StatusAccepted, tt.body)

			_, err := salt.client().SubmitJob(context.Background(), authToken, minionName, "some.function", nil)
			assertReason(t, err, failure.SaltTargetMismatch)
		})
	}
}

func TestSubmitJobProtocolFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"redirect status", http.StatusTemporaryRedirect, `{}`},
		{"ok instead of accepted", http.StatusOK, acceptedJob},
		{"malformed json", http.StatusAccepted, `{"return":`},
		{"missing jid", http.StatusAccepted, `{"return":[{"minions":["minion"]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			salt := newFakeSalt(t)
			salt.handle("/minions", tt.status, tt.body)

			_, err := salt.client().SubmitJob(context.Background(), authToken, minionName, "some.function", nil)
			assertReason(t, err, failure.SaltAPIFailure)
		})
	}
}

func TestSubmitJobInvalidCommand(t *testing.T) {
	for _, cmd := range []string{"", "   ", `cmd.run "unterminated`, `cmd.run 'hunter2`} {
		salt := newFakeSalt(t)
		_, err := salt.client().SubmitJob(context.Background(), authToken, minionName, cmd, nil)
		assertReason(t, err, failure.ArgumentsInvalid)
		assert.NotContains(t, err.Error(), "hunter2")
		assert.Empty(t, salt.recorded(), "command %q must not reach the wire", cmd)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		command string
		fun     string
		args    []string
	}{
		{"test.ping", "test.ping", []string{}},
		{"pkg.install vim version=>=8.0", "pkg.install", []string{"vim", "version=>=8.0"}},
		{"test.echo a|b", "test.echo", []string{"a|b"}},
		{"cmd.run echo a;b", "cmd.run", []string{"echo", "a;b"}},
		{`cmd.run "ls -l | wc -l"`, "cmd.run", []string{"ls -l | wc -l"}},
		{`cmd.run 'echo $HOME' a\ b`, "cmd.run", []string{"echo $HOME", "a b"}},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			fun, args, err := ParseCommand(tt.command)
			require.NoError(t, err)
			assert.Equal(t, tt.fun, fun)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestSubmitJobKeepsOperatorsInArguments(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/minions", http.StatusAccepted, acceptedJob)

	_, err := salt.client().SubmitJob(context.Background(), authToken, minionName, "pkg.install vim version=>=8.0", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"fun":"pkg.install","tgt":"minion","arg":["vim","version=>=8.0"]}`, string(salt.recorded()[0].Body))
}

func TestSubmitJobHidesSecureOptions(t *testing.T) {
	secret := "greatgooglymoogly5f5DEyIKEyde\n" +
		"wjXpeCuqX89nAaGwjSphBZsjlQldheNDra1+FqOJfBaKK3Zr1FKe5mr1si\n\n" +
		"QCqCM11FLV2/jdMS/c7aMwfhBvapN2Rh76LBRysm\n\n" +
		"LV0prx1jqbdb8/UyxTyMlfJpRtn09wy+rL\n\n" +
		"f6qGO+Srwiy5/7lgNFJ7t3xT1w5NA==\n"
	command := "cmd.run 'echo " + secret + "'"

	core, logs := observer.New(zapcore.DebugLevel)
	salt := newFakeSalt(t)
	salt.handle("/minions", http.StatusAccepted, acceptedJob)
	c := salt.client(WithLogger(lg.NewFromZap(zap.New(core))))

	jid, err := c.SubmitJob(context.Background(), authToken, minionName, command, map[string]string{"foo": secret})
	require.NoError(t, err)
	assert.Equal(t, JobID(outputJID), jid)

	var sent submitRequest
	require.NoError(t, json.Unmarshal(salt.recorded()[0].Body, &sent))
	assert.Equal(t, []string{"echo " + secret}, sent.Arg)

	entries := logs.FilterMessage("Submitting job with arguments").All()
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"fun":"cmd.run","tgt":"minion","arg":["echo ****"]}`, entries[0].ContextMap()["request"].(string))
	for _, e := range logs.All() {
		for _, v := range e.ContextMap() {
			if s, ok := v.(string); ok {
				assert.NotContains(t, s, "greatgooglymoogly")
			}
		}
	}
}

func TestSubmitJobWireBytesIndependentOfSecrets(t *testing.T) {
	command := `cmd.run "echo hunter2" plain`

	send := func(secrets map[string]string) []byte {
		salt := newFakeSalt(t)
		salt.handle("/minions", http.StatusAccepted, acceptedJob)
		_, err := salt.client().SubmitJob(context.Background(), authToken, minionName, command, secrets)
		require.NoError(t, err)
		return salt.recorded()[0].Body
	}

	assert.Equal(t, send(nil), send(map[string]string{"pw": "hunter2"}))
}

// --- poll ---------------------------------------------------------------------

func TestPollOnce(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   json.RawMessage
	}{
		{"host response", http.StatusOK, `{"return":[{"minion":"\"some response\""}]}`, json.RawMessage(`"\"some response\""`)},
		{"host empty response", http.StatusOK, `{"return":[{"minion":""}]}`, json.RawMessage(`""`)},
		{"no response yet", http.StatusOK, `{"return":[{}]}`, nil},
		{"no records", http.StatusOK, `{"return":[]}`, nil},
		{"null host response", http.StatusOK, `{"return":[{"minion":null}]}`, nil},
		{"other minion only", http.StatusOK, `{"return":[{"other":"x"}]}`, nil},
		{"bad status", http.StatusInternalServerError, `{}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			salt := newFakeSalt(t)
			salt.handle("/jobs/"+outputJID, tt.status, tt.body)

			got, err := salt.client().PollOnce(context.Background(), authToken, outputJID, minionName)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			reqs := salt.recorded()
			require.Len(t, reqs, 1)
			assert.Equal(t, http.MethodGet, reqs[0].Method)
			assert.Equal(t, authToken, reqs[0].Header.Get("X-Auth-Token"))
			assert.Equal(t, "application/json", reqs[0].Header.Get("Accept"))
		})
	}
}

func TestPollOnceDecodedHostResponse(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/jobs/"+outputJID, http.StatusOK, `{"return":[{"minion":"\"some response\""}]}`)

	raw, err := salt.client().PollOnce(context.Background(), authToken, outputJID, minionName)
	require.NoError(t, err)

	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.Equal(t, `"some response"`, s)
}

func TestPollOnceMultipleResponses(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/jobs/"+outputJID, http.StatusOK, `{"return":[{},{}]}`)

	_, err := salt.client().PollOnce(context.Background(), authToken, outputJID, minionName)
	assertReason(t, err, failure.SaltAPIFailure)
}

func TestPollOnceMalformedBody(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/jobs/"+outputJID, http.StatusOK, `[`)

	_, err := salt.client().PollOnce(context.Background(), authToken, outputJID, minionName)
	assertReason(t, err, failure.SaltAPIFailure)
}

// countingWaiter records calls and optionally fails.
type countingWaiter struct {
	calls int
	err   error
}

func (w *countingWaiter) WaitForNext(context.Context) error {
	w.calls++
	return w.err
}

func TestWaitForResultStopsAtFirstResult(t *testing.T) {
	salt := newFakeSalt(t)
	var polls int
	var mu sync.Mutex
	salt.handlers["/jobs/"+outputJID] = func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		polls++
		n := polls
		mu.Unlock()
		if n < 3 {
			_, _ = io.WriteString(w, `{"return":[{}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"return":[{"minion":"done"}]}`)
	}

	waiter := &countingWaiter{}
	got, err := salt.client().WaitForResult(context.Background(), authToken, outputJID, minionName, waiter)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"done"`), got)
	assert.Equal(t, 2, waiter.calls)
	assert.Len(t, salt.recorded(), 3)
}

func TestWaitForSubmitResponse(t *testing.T) {
	calls := 0
	poll := func(context.Context) (json.RawMessage, error) {
		calls++
		if calls == 2 {
			return json.RawMessage(`"host_response"`), nil
		}
		return nil, nil
	}
	waiter := &countingWaiter{}

	got, err := waitFor(context.Background(), waiter, poll)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"host_response"`), got)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, waiter.calls)
}

func TestWaitForResponseInterrupted(t *testing.T) {
	interrupted := errors.New("interrupted")
	calls := 0
	poll := func(context.Context) (json.RawMessage, error) {
		calls++
		return nil, nil
	}
	waiter := &countingWaiter{err: interrupted}

	_, err := waitFor(context.Background(), waiter, poll)
	assert.Same(t, interrupted, err)
	assert.Equal(t, 1, calls)
}

func TestWaitForResponsePollError(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/jobs/"+outputJID, http.StatusOK, `{"return":[{},{}]}`)
	waiter := &countingWaiter{}

	_, err := salt.client().WaitForResult(context.Background(), authToken, outputJID, minionName, waiter)
	assertReason(t, err, failure.SaltAPIFailure)
	assert.Zero(t, waiter.calls)
}

// --- transport ----------------------------------------------------------------

func TestBreakerOpensAfterConsecutiveTransportFailures(t *testing.T) {
	salt := newFakeSalt(t)
	settings := DefaultBreakerSettings("test")
	settings.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 2 }
	c := salt.client(WithBreaker(gobreaker.NewCircuitBreaker(settings)), WithHTTPClient(&http.Client{Timeout: time.Second}))
	salt.srv.Close()

	for i := 0; i < 2; i++ {
		_, err := c.Authenticate(context.Background(), Credentials{Username: user})
		assertReason(t, err, failure.CommunicationFailure)
	}
	_, err := c.Authenticate(context.Background(), Credentials{Username: user})
	assertReason(t, err, failure.CommunicationFailure)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBadStatusDoesNotTripBreaker(t *testing.T) {
	salt := newFakeSalt(t)
	salt.handle("/jobs/"+outputJID, http.StatusInternalServerError, `{}`)
	settings := DefaultBreakerSettings("test")
	settings.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 }
	c := salt.client(WithBreaker(gobreaker.NewCircuitBreaker(settings)))

	for i := 0; i < 5; i++ {
		got, err := c.PollOnce(context.Background(), authToken, outputJID, minionName)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestCallerDeadlineDoesNotTripBreaker(t *testing.T) {
	salt := newFakeSalt(t)
	salt.mu.Lock()
	salt.handlers["/login"] = func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}
	salt.mu.Unlock()
	settings := DefaultBreakerSettings("test")
	settings.ReadyToTrip = func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 }
	cb := gobreaker.NewCircuitBreaker(settings)
	c := salt.client(WithBreaker(cb))

	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := c.Authenticate(ctx, Credentials{Username: user})
		cancel()
		assertReason(t, err, failure.Interrupted)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestEndpointTrailingSlash(t *testing.T) {
	c := New("https://salt.example.com/")
	assert.Equal(t, "https://salt.example.com", c.Endpoint())
}
