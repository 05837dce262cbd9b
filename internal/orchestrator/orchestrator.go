// Package orchestrator runs a single command on a single minion through
// salt-api: validate, authenticate, submit, poll, decode, and always log out.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/andrej220/saltdispatch/internal/returns"
	"github.com/andrej220/saltdispatch/internal/saltapi"
	"github.com/andrej220/saltdispatch/pkg/expbackoff"
	"github.com/andrej220/saltdispatch/pkg/failure"
	"github.com/andrej220/saltdispatch/pkg/redact"
)

const (
	DefaultPollStep     = 500 * time.Millisecond
	DefaultPollMaxDelay = 60 * time.Second

	logoutTimeout = 10 * time.Second
)

// State is a step of one dispatch.
type State int

const (
	Validating State = iota
	Authenticating
	Submitting
	Polling
	Extracting
	LoggingOut
	Done
	Failed
)

var stateNames = [...]string{
	Validating:     "validating",
	Authenticating: "authenticating",
	Submitting:     "submitting",
	Polling:        "polling",
	Extracting:     "extracting",
	LoggingOut:     "logging_out",
	Done:           "done",
	Failed:         "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// API is the salt-api surface a dispatch needs. *saltapi.Client implements it.
type API interface {
	Authenticate(ctx context.Context, creds saltapi.Credentials) (string, error)
	Logout(ctx context.Context, token string)
	SubmitJob(ctx context.Context, token, target, command string, secrets map[string]string) (saltapi.JobID, error)
	WaitForResult(ctx context.Context, token string, jid saltapi.JobID, target string, w saltapi.Waiter) (json.RawMessage, error)
}

// Result is what came back from the minion.
type Result struct {
	JobID  saltapi.JobID
	Raw    json.RawMessage
	Output returns.Output
}

// Orchestrator executes dispatches. Every Execute builds its own API client
// and waiter, so concurrent dispatches share only the HTTP connection pool.
type Orchestrator struct {
	logger    lg.Logger
	returns   *returns.Registry
	http      *http.Client
	newClient func(endpoint string) API
	newWaiter func() saltapi.Waiter
}

type Option func(*Orchestrator)

func WithLogger(l lg.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHTTPClient sets the *http.Client shared by all dispatches.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *Orchestrator) {
		if hc != nil {
			o.http = hc
		}
	}
}

// WithClientFactory replaces how API clients are built. The factory is called
// once per dispatch.
func WithClientFactory(f func(endpoint string) API) Option {
	return func(o *Orchestrator) { o.newClient = f }
}

// WithWaiterFactory replaces the poll pacing. The factory is called once per
// dispatch so every dispatch starts from the first delay.
func WithWaiterFactory(f func() saltapi.Waiter) Option {
	return func(o *Orchestrator) { o.newWaiter = f }
}

// WithPollSchedule sets the exponential poll delays.
func WithPollSchedule(step, max time.Duration) Option {
	return func(o *Orchestrator) {
		o.newWaiter = func() saltapi.Waiter { return expbackoff.New(step, max) }
	}
}

func WithReturns(r *returns.Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.returns = r
		}
	}
}

func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:  lg.Discard,
		returns: returns.NewRegistry(),
		http:    &http.Client{Timeout: saltapi.DefaultHTTPTimeout},
	}
	o.newWaiter = func() saltapi.Waiter { return expbackoff.New(DefaultPollStep, DefaultPollMaxDelay) }
	for _, opt := range opts {
		opt(o)
	}
	if o.newClient == nil {
		logger, hc := o.logger, o.http
		o.newClient = func(endpoint string) API {
			return saltapi.New(endpoint, saltapi.WithHTTPClient(hc), saltapi.WithLogger(logger))
		}
	}
	return o
}

// Execute runs req to completion. On success the error is nil. A command that
// ran but exited non-zero returns both the Result and an EXIT_CODE failure.
// Every other error is a *failure.Error tagged with the target node.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (res *Result, err error) {
	log := o.logger.With(lg.String("node", req.Target))
	state := Validating
	enter := func(s State) {
		state = s
		log.Debug("dispatch state", lg.String("state", s.String()))
	}
	defer func() {
		if err != nil {
			err = classify(err, req.Target)
			log.Debug("dispatch state", lg.String("state", Failed.String()),
				lg.String("failed_in", state.String()), lg.String("error", redact.New(req.Secrets).String(err.Error())))
		}
	}()

	enter(Validating)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	api := o.newClient(req.Endpoint)

	enter(Authenticating)
	token, err := api.Authenticate(ctx, saltapi.Credentials{Username: req.Username, Password: req.Password, Eauth: req.Eauth})
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, failure.New(failure.AuthenticationFailure, "authentication failure")
	}
	defer func() {
		log.Debug("dispatch state", lg.String("state", LoggingOut.String()))
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancel()
		api.Logout(lctx, token)
		if err == nil {
			log.Debug("dispatch state", lg.String("state", Done.String()))
		}
	}()

	enter(Submitting)
	jid, err := api.SubmitJob(ctx, token, req.Target, req.Function, req.Secrets)
	if err != nil {
		return nil, err
	}
	log.Info("Received job id", lg.String("jid", jid.String()))

	enter(Polling)
	raw, err := api.WaitForResult(ctx, token, jid, req.Target, o.newWaiter())
	if err != nil {
		return nil, err
	}

	enter(Extracting)
	fun, _, err := saltapi.ParseCommand(req.Function)
	if err != nil {
		return nil, err
	}
	out, err := o.returns.Decode(fun, raw)
	if err != nil {
		return nil, failure.Wrap(failure.SaltAPIFailure, err, "could not parse job return")
	}
	res = &Result{JobID: jid, Raw: raw, Output: out}
	if out.ExitCode != 0 {
		return res, failure.Newf(failure.ExitCode, "remote command exited with code %d", out.ExitCode)
	}
	return res, nil
}

// classify turns any error into a node-tagged *failure.Error.
func classify(err error, node string) error {
	if fe, ok := failure.As(err); ok {
		return fe.WithNode(node)
	}
	if errors.Is(err, expbackoff.ErrInterrupted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.Interrupted, err, "dispatch interrupted").WithNode(node)
	}
	return failure.Wrap(failure.CommunicationFailure, err, "unexpected failure").WithNode(node)
}
