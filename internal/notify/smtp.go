package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"task-reminder/internal/config"
)

// SMTPDispatcher delivers HTML reminders over SMTP. Secure selects implicit
// TLS; otherwise startTLS requires the server to upgrade the session, and
// with neither set the session stays plaintext.
type SMTPDispatcher struct {
	addr      string
	host      string
	username  string
	password  string
	from      *mail.Address
	secure    bool
	startTLS  bool
	tlsConfig *tls.Config
	timeout   time.Duration
	logger    zerolog.Logger
}

func NewSMTPDispatcher(cfg config.SMTPConfig, logger zerolog.Logger) (*SMTPDispatcher, error) {
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_FROM %q: %w", cfg.From, err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SMTPDispatcher{
		addr:      net.JoinHostPort(cfg.Host, cfg.Port),
		host:      cfg.Host,
		username:  cfg.Username,
		password:  cfg.Password,
		from:      from,
		secure:    cfg.Secure,
		startTLS:  cfg.StartTLS && !cfg.Secure,
		tlsConfig: &tls.Config{ServerName: cfg.Host},
		timeout:   timeout,
		logger:    logger,
	}, nil
}

func (d *SMTPDispatcher) Send(ctx context.Context, to, subject, body string) error {
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	msg, err := d.compose(rcpt, subject, body)
	if err != nil {
		return err
	}

	c, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.SendMail(d.from.Address, []string{rcpt.Address}, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("failed to send mail to %s: %w", rcpt.Address, err)
	}
	if err := c.Quit(); err != nil {
		d.logger.Debug().Err(err).Msg("SMTP QUIT failed after delivery")
	}

	d.logger.Info().
		Str("to", rcpt.Address).
		Str("subject", subject).
		Msg("reminder email sent")
	return nil
}

// Verify opens a session and issues NOOP, mirroring a transport check at
// startup.
func (d *SMTPDispatcher) Verify(ctx context.Context) error {
	c, err := d.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Noop(); err != nil {
		return fmt.Errorf("SMTP NOOP failed: %w", err)
	}
	return c.Quit()
}

func (d *SMTPDispatcher) compose(to *mail.Address, subject, body string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{d.from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(subject)
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func (d *SMTPDispatcher) connect(ctx context.Context) (*smtp.Client, error) {
	deadline := time.Now().Add(d.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var conn net.Conn
	var err error
	if d.secure {
		dialer := &tls.Dialer{Config: d.tlsConfig}
		conn, err = dialer.DialContext(ctx, "tcp", d.addr)
	} else {
		var dialer net.Dialer
		conn, err = dialer.DialContext(ctx, "tcp", d.addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server %s: %w", d.addr, err)
	}

	// the whole session shares the dial deadline
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	var c *smtp.Client
	if d.startTLS {
		c, err = smtp.NewClientStartTLS(conn, d.tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("SMTP STARTTLS failed: %w", err)
		}
	} else {
		c = smtp.NewClient(conn)
		if err := c.Hello("localhost"); err != nil {
			c.Close()
			return nil, fmt.Errorf("SMTP greeting failed: %w", err)
		}
	}

	if d.username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(sasl.NewPlainClient("", d.username, d.password)); err != nil {
				c.Close()
				return nil, fmt.Errorf("SMTP authentication failed: %w", err)
			}
		}
	}

	return c, nil
}
