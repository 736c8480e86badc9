package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// MailgunTransport posts messages to a Mailgun-compatible HTTP API.
type MailgunTransport struct {
	apiKey  string
	domain  string
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

var _ Transport = (*MailgunTransport)(nil)

func NewMailgunTransport(cfg config.APIConfig, log *zap.Logger) *MailgunTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &MailgunTransport{
		apiKey:  cfg.Key,
		domain:  cfg.Domain,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout()},
		log:     log,
	}
}

func (s *MailgunTransport) Name() string       { return ProviderMailgun }
func (s *MailgunTransport) TracksClicks() bool { return true }

func (s *MailgunTransport) Send(ctx context.Context, msg *Message) (*model.SendResult, error) {
	if s.apiKey == "" {
		return nil, fmt.Errorf("Mailgun API key not configured")
	}

	form := url.Values{}
	form.Add("from", msg.From())
	form.Add("to", msg.To)
	form.Add("subject", msg.Subject)
	form.Add("html", msg.HTML)
	form.Add("o:tracking", "yes")
	for k, v := range msg.Headers {
		form.Add("h:"+k, v)
	}
	for k, v := range msg.Tags() {
		form.Add("v:"+k, v)
	}

	endpoint := fmt.Sprintf("%s/v3/%s/messages", s.baseURL, s.domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("Mailgun error %d: Unauthorized, check API key", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("Mailgun error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode Mailgun response: %w", err)
	}
	messageID := strings.Trim(result.ID, "<>")

	s.log.Debug("mailgun message sent", logger.Email("to", msg.To), zap.String("message_id", messageID))
	return &model.SendResult{Provider: ProviderMailgun, ProviderMessageID: messageID, DeliveryStatus: StatusQueued}, nil
}
