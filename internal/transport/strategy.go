package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

// ComposeFunc renders the message for the transport about to be used, so
// per-transport differences like click rewriting can be applied.
type ComposeFunc func(t Transport) (*Message, error)

// Strategy sends through the API transport when one is configured and falls
// back to the direct transport on failure when allowed.
type Strategy struct {
	api      Transport
	direct   Transport
	fallback bool
	log      *zap.Logger
}

// NewStrategy takes a nil api when the API transport is disabled.
func NewStrategy(api, direct Transport, fallback bool, log *zap.Logger) *Strategy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Strategy{api: api, direct: direct, fallback: fallback, log: log}
}

// Primary returns the transport tried first.
func (s *Strategy) Primary() Transport {
	if s.api != nil {
		return s.api
	}
	return s.direct
}

func (s *Strategy) Send(ctx context.Context, compose ComposeFunc) (*model.SendResult, error) {
	if s.api == nil {
		return s.sendWith(ctx, s.direct, compose)
	}

	res, apiErr := s.sendWith(ctx, s.api, compose)
	if apiErr == nil {
		return res, nil
	}
	if !s.fallback || s.direct == nil {
		return nil, apiErr
	}

	s.log.Warn("api transport failed, falling back to direct transport",
		zap.String("api", s.api.Name()),
		zap.String("direct", s.direct.Name()),
		zap.Error(apiErr),
	)
	res, err := s.sendWith(ctx, s.direct, compose)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Strategy) sendWith(ctx context.Context, t Transport, compose ComposeFunc) (*model.SendResult, error) {
	if t == nil {
		return nil, errors.New("no transport configured")
	}
	msg, err := compose(t)
	if err != nil {
		return nil, fmt.Errorf("compose for %s: %w", t.Name(), err)
	}
	res, err := t.Send(ctx, msg)
	if err != nil {
		return nil, err
	}
	if res.Provider == "" {
		res.Provider = t.Name()
	}
	return res, nil
}
