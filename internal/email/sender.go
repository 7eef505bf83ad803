package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"MailCadence/internal/models"
)

var ErrTransportClosed = errors.New("transport closed")

// Message is a single rendered email bound to one job.
type Message struct {
	JobID   string
	To      string
	Subject string
	Body    string
}

// Transport delivers one message through a sender's SMTP settings and
// returns the provider message id.
type Transport interface {
	Send(ctx context.Context, sender models.Sender, msg Message) (string, error)
}

type DialFunc func(sender models.Sender) (gomail.SendCloser, error)

type conn struct {
	sc          gomail.SendCloser
	fingerprint string
	lastUsed    time.Time
}

// SMTPTransport keeps idle SMTP sessions per sender so consecutive sends
// skip the handshake. A session is used by one send at a time.
type SMTPTransport struct {
	mu     sync.Mutex
	idle   map[string][]*conn
	closed bool

	dial   DialFunc
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*SMTPTransport)

func WithDialer(d DialFunc) Option {
	return func(t *SMTPTransport) { t.dial = d }
}

func WithClock(now func() time.Time) Option {
	return func(t *SMTPTransport) { t.now = now }
}

func NewSMTPTransport(logger *zap.Logger, opts ...Option) *SMTPTransport {
	t := &SMTPTransport{
		idle:   make(map[string][]*conn),
		dial:   dialSMTP,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func dialSMTP(s models.Sender) (gomail.SendCloser, error) {
	d := gomail.NewDialer(s.Host, s.Port, s.Username, s.Password)
	d.SSL = s.Secure
	return d.Dial()
}

func (t *SMTPTransport) Send(ctx context.Context, sender models.Sender, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c, reused, err := t.checkout(sender)
	if err != nil {
		return "", err
	}

	messageID := MessageID(msg.JobID, sender.FromEmail)

	m := gomail.NewMessage()
	m.SetAddressHeader("From", sender.FromEmail, sender.Name)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", messageID)
	m.SetBody("text/html", msg.Body)

	err = gomail.Send(c.sc, m)
	if err != nil && reused {
		// servers drop sessions that sat idle; one fresh connection gets a second try
		_ = c.sc.Close()
		t.logger.Debug("pooled smtp session failed, redialing", zap.String("sender_id", sender.ID), zap.Error(err))
		c, err = t.connect(sender)
		if err != nil {
			return "", err
		}
		err = gomail.Send(c.sc, m)
	}
	if err != nil {
		_ = c.sc.Close()
		return "", fmt.Errorf("smtp send error: %w", err)
	}

	t.release(sender.ID, c)
	return messageID, nil
}

// checkout hands out an idle session for sender, or dials a new one. The
// bool reports whether the session came from the pool.
func (t *SMTPTransport) checkout(sender models.Sender) (*conn, bool, error) {
	fp := sender.Fingerprint()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, false, ErrTransportClosed
	}
	var stale []*conn
	var found *conn
	pool := t.idle[sender.ID]
	for len(pool) > 0 {
		c := pool[len(pool)-1]
		pool = pool[:len(pool)-1]
		if c.fingerprint == fp {
			found = c
			break
		}
		stale = append(stale, c)
	}
	if len(pool) == 0 {
		delete(t.idle, sender.ID)
	} else {
		t.idle[sender.ID] = pool
	}
	t.mu.Unlock()

	for _, c := range stale {
		_ = c.sc.Close()
	}
	if found != nil {
		return found, true, nil
	}

	c, err := t.connect(sender)
	return c, false, err
}

func (t *SMTPTransport) connect(sender models.Sender) (*conn, error) {
	sc, err := t.dial(sender)
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s:%d: %w", sender.Host, sender.Port, err)
	}
	return &conn{sc: sc, fingerprint: sender.Fingerprint()}, nil
}

func (t *SMTPTransport) release(senderID string, c *conn) {
	c.lastUsed = t.now()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = c.sc.Close()
		return
	}
	t.idle[senderID] = append(t.idle[senderID], c)
	t.mu.Unlock()
}

// Prune closes sessions idle for longer than maxIdle and reports how many
// were closed.
func (t *SMTPTransport) Prune(maxIdle time.Duration) int {
	cutoff := t.now().Add(-maxIdle)

	t.mu.Lock()
	var expired []*conn
	for id, pool := range t.idle {
		kept := pool[:0]
		for _, c := range pool {
			if c.lastUsed.Before(cutoff) {
				expired = append(expired, c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(t.idle, id)
		} else {
			t.idle[id] = kept
		}
	}
	t.mu.Unlock()

	for _, c := range expired {
		if err := c.sc.Close(); err != nil {
			t.logger.Debug("closing idle smtp session", zap.Error(err))
		}
	}
	return len(expired)
}

func (t *SMTPTransport) Close() {
	t.mu.Lock()
	t.closed = true
	idle := t.idle
	t.idle = make(map[string][]*conn)
	t.mu.Unlock()

	for _, pool := range idle {
		for _, c := range pool {
			_ = c.sc.Close()
		}
	}
}

// MessageID derives a stable Message-ID from the job, so a resend of the
// same job carries the same id.
func MessageID(jobID, fromEmail string) string {
	domain := "localhost"
	if i := strings.LastIndex(fromEmail, "@"); i >= 0 && i < len(fromEmail)-1 {
		domain = fromEmail[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", jobID, domain)
}
