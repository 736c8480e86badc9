package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/campaign-mailer/internal/config"
	"github.com/unclebandit/campaign-mailer/internal/logger"
	"github.com/unclebandit/campaign-mailer/internal/model"
)

// SMTPTransport is the direct transport.
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	timeout  time.Duration
	log      *zap.Logger
}

var _ Transport = (*SMTPTransport)(nil)

func NewSMTPTransport(cfg config.SMTPConfig, log *zap.Logger) *SMTPTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &SMTPTransport{
		host:     cfg.Host,
		port:     cfg.Port,
		username: cfg.Username,
		password: cfg.Password,
		timeout:  cfg.Timeout(),
		log:      log,
	}
}

func (s *SMTPTransport) Name() string       { return ProviderSMTP }
func (s *SMTPTransport) TracksClicks() bool { return false }

// Send performs one SMTP transaction. There is no provider message id; the
// generated Message-ID header stays local.
func (s *SMTPTransport) Send(ctx context.Context, msg *Message) (*model.SendResult, error) {
	if s.host == "" {
		return nil, fmt.Errorf("SMTP host not configured")
	}

	raw, err := buildMIME(msg, uuid.NewString()+"@"+s.host)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	if err := s.sendSMTP(ctx, addr, msg.FromAddress, msg.To, raw); err != nil {
		return nil, err
	}

	s.log.Debug("smtp message sent", logger.Email("to", msg.To), zap.Int64("delivery_id", msg.DeliveryID))
	return &model.SendResult{Provider: ProviderSMTP, DeliveryStatus: StatusSent}, nil
}

func (s *SMTPTransport) sendSMTP(ctx context.Context, addr, from, to string, body []byte) error {
	dialer := &net.Dialer{Timeout: s.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("SMTP connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SMTP client: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return fmt.Errorf("STARTTLS: %w", err)
		}
	}
	if s.username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.username, s.password, s.host)); err != nil {
			return fmt.Errorf("SMTP authentication: %w", err)
		}
	}

	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("end DATA: %w", err)
	}
	return c.Quit()
}

// buildMIME renders a single-part HTML message with quoted-printable body.
func buildMIME(msg *Message, messageID string) ([]byte, error) {
	var buf bytes.Buffer
	if msg.FromName != "" {
		fmt.Fprintf(&buf, "From: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", msg.FromName), msg.FromAddress)
	} else {
		fmt.Fprintf(&buf, "From: %s\r\n", msg.FromAddress)
	}
	if msg.ToName != "" {
		fmt.Fprintf(&buf, "To: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", msg.ToName), msg.To)
	} else {
		fmt.Fprintf(&buf, "To: %s\r\n", msg.To)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", messageID)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, msg.Headers[k])
	}
	for k, v := range msg.Tags() {
		fmt.Fprintf(&buf, "X-Mailer-%s: %s\r\n", k, v)
	}

	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(msg.HTML)); err != nil {
		return nil, err
	}
	if err := qp.Close(); err != nil {
		return nil, err
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}
