package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
)

// NewAPITransport returns the configured managed API transport, or nil when
// no credentials are present.
func NewAPITransport(ctx context.Context, cfg *config.Config, log *zap.Logger) (Transport, error) {
	useSES := cfg.SES.Enabled() && (cfg.API.Kind == "ses" || !cfg.API.Enabled())
	if useSES {
		ses, err := NewSESTransport(ctx, cfg.SES, log)
		if err != nil {
			return nil, err
		}
		return ses, nil
	}
	if cfg.API.Enabled() {
		return NewMailgunTransport(cfg.API, log), nil
	}
	return nil, nil
}

// NewStrategyFromConfig wires the API and SMTP transports.
func NewStrategyFromConfig(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Strategy, error) {
	api, err := NewAPITransport(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	direct := NewSMTPTransport(cfg.SMTP, log)
	return NewStrategy(api, direct, cfg.Mail.FallbackToSMTP, log), nil
}
