package main

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/andrej220/saltdispatch/internal/lg"
	"github.com/andrej220/saltdispatch/internal/orchestrator"
	"github.com/andrej220/saltdispatch/internal/saltapi"
	"github.com/andrej220/saltdispatch/internal/sink"
	"github.com/andrej220/saltdispatch/pkg/consumer"
	"github.com/andrej220/saltdispatch/pkg/expbackoff"
	"github.com/andrej220/saltdispatch/pkg/failure"
	"github.com/andrej220/saltdispatch/pkg/redact"
	dm "github.com/andrej220/saltdispatch/pkg/shared-models"
	"github.com/andrej220/saltdispatch/pkg/workerpool"
	"github.com/google/uuid"
)

const publishTimeout = 30 * time.Second

type requestSource interface {
	Read(ctx context.Context) (dm.DispatchRequest, error)
}

type dispatcher interface {
	Execute(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// service runs every consumed request as one independent dispatch.
type service struct {
	salt   SaltConfig
	poll   atomic.Pointer[PollConfig]
	orch   dispatcher
	pool   *workerpool.Pool[dm.DispatchRequest]
	sink   sink.Sink
	logger lg.Logger
	now    func() time.Time
}

func newService(cfg *DispatchServiceConfig, out sink.Sink, logger lg.Logger, opts ...orchestrator.Option) *service {
	s := &service{
		salt:   cfg.Salt,
		pool:   workerpool.NewPool[dm.DispatchRequest](cfg.Workers),
		sink:   out,
		logger: logger,
		now:    time.Now,
	}
	s.setPoll(cfg.Poll)
	base := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithWaiterFactory(func() saltapi.Waiter {
			p := s.poll.Load()
			return expbackoff.New(p.Step, p.MaxDelay)
		}),
	}
	s.orch = orchestrator.New(append(base, opts...)...)
	return s
}

func (s *service) setPoll(p PollConfig) {
	s.poll.Store(&p)
}

// consume feeds requests to the pool until ctx is done.
func (s *service) consume(ctx context.Context, src requestSource) error {
	for {
		req, err := src.Read(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var de *consumer.DecodeError
			if errors.As(err, &de) {
				s.logger.Warn("Skipping undecodable request", lg.Err(err))
				continue
			}
			s.logger.Error("Failed to read request", lg.Err(err))
			continue
		}
		if req.ExecutionUID == uuid.Nil {
			req.ExecutionUID = uuid.New()
		}
		logger := s.logger.With(lg.String("exuid", req.ExecutionUID.String()), lg.String("node", req.Target))
		logger.Debug("Received request")

		err = s.pool.Submit(workerpool.Job[dm.DispatchRequest]{
			Payload: req,
			Fn:      s.handle,
			Ctx:     lg.Attach(ctx, logger),
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle runs one dispatch and publishes its outcome, whatever it is.
func (s *service) handle(ctx context.Context, req dm.DispatchRequest) error {
	logger := lg.FromContext(ctx)
	poll := s.poll.Load()
	if poll.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, poll.DispatchTimeout)
		defer cancel()
	}

	// Secrets stay out of everything logged or published.
	mask := redact.New(req.Secrets)
	outcome := dm.DispatchOutcome{
		ExecutionUID: req.ExecutionUID,
		Target:       req.Target,
		Function:     mask.String(req.Function),
		StartedAt:    s.now().UTC(),
	}
	res, err := s.orch.Execute(ctx, orchestrator.Request{
		Endpoint: s.salt.Endpoint,
		Function: req.Function,
		Eauth:    s.salt.Eauth,
		Username: s.salt.Username,
		Password: s.salt.Password,
		Target:   req.Target,
		Secrets:  req.Secrets,
	})
	outcome.FinishedAt = s.now().UTC()
	if res != nil {
		outcome.JobID = res.JobID.String()
		outcome.Stdout = mask.String(res.Output.Stdout)
		outcome.Stderr = mask.String(res.Output.Stderr)
		outcome.ExitCode = res.Output.ExitCode
	}

	var dispatchErr error
	if err != nil {
		outcome.Reason = failure.CommunicationFailure.String()
		if fe, ok := failure.As(err); ok {
			outcome.Reason = fe.Reason.String()
		}
		outcome.Message = mask.String(err.Error())
		dispatchErr = errors.New(outcome.Message)
		logger.Warn("Dispatch failed", lg.String("reason", outcome.Reason), lg.String("error", outcome.Message))
	} else {
		logger.Info("Dispatch completed", lg.String("jid", outcome.JobID))
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if perr := s.sink.Publish(pctx, outcome); perr != nil {
		logger.Error("Failed to publish outcome", lg.Err(perr))
		return errors.Join(dispatchErr, perr)
	}
	return dispatchErr
}

func (s *service) stop() {
	s.pool.Stop()
}
