package sweeper

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// NoticeKind 通知类型
type NoticeKind string

const (
	NoticeRenewalReminder NoticeKind = "renewal_reminder"
	NoticeExpiryReminder  NoticeKind = "expiry_reminder"
	NoticeExpired         NoticeKind = "expired"
)

// Notice is a message to a subscriber.
type Notice struct {
	Kind           NoticeKind
	UserID         string
	Email          string
	SubscriptionID string
	PlanName       string
	PeriodEnd      time.Time
	Subject        string
	Body           string
}

// Notifier delivers notices. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// LogNotifier writes notices to the log (development, or when no mail server is configured).
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notice) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("📧 notice",
		"kind", n.Kind, "user_id", n.UserID, "email", n.Email,
		"subscription_id", n.SubscriptionID, "subject", n.Subject)
	return nil
}

// SMTPConfig 邮件服务器配置
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds one delivery when the caller's context has no deadline.
	Timeout time.Duration
}

type sendFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends notices by mail.
type SMTPNotifier struct {
	cfg  SMTPConfig
	send sendFunc
}

// NewSMTPNotifier creates a mail notifier.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	n := &SMTPNotifier{cfg: cfg}
	n.send = n.sendMail
	return n
}

func (s *SMTPNotifier) Notify(ctx context.Context, n Notice) error {
	if n.Email == "" {
		return fmt.Errorf("notice %s for user %s has no recipient", n.Kind, n.UserID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(ctx, addr, auth, s.cfg.From, []string{n.Email}, buildMessage(s.cfg.From, n)); err != nil {
		return fmt.Errorf("failed to send %s notice: %w", n.Kind, err)
	}
	return nil
}

// sendMail is smtp.SendMail bound to ctx. The conversation stops at the context deadline,
// or after cfg.Timeout when ctx has none.
func (s *SMTPNotifier) sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(s.cfg.Timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	// 取消时打断阻塞中的读写
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("smtp server does not support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func buildMessage(from string, n Notice) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + n.Email + "\r\n")
	b.WriteString("Subject: " + n.Subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(n.Body, "\n", "\r\n"))
	return []byte(b.String())
}

func reminderNotice(kind NoticeKind, userID, email, subID, planName string, periodEnd time.Time) Notice {
	n := Notice{
		Kind:           kind,
		UserID:         userID,
		Email:          email,
		SubscriptionID: subID,
		PlanName:       planName,
		PeriodEnd:      periodEnd,
	}
	date := periodEnd.Format("January 2, 2006")
	switch kind {
	case NoticeRenewalReminder:
		n.Subject = "Your subscription renews soon"
		n.Body = fmt.Sprintf("Your %s subscription renews automatically on %s.\n\nNo action is needed.\n\nBest regards,\nNews Site Team", planName, date)
	case NoticeExpiryReminder:
		n.Subject = "Your subscription is expiring soon"
		n.Body = fmt.Sprintf("Your %s subscription will expire on %s.\n\nTo continue enjoying premium features, please renew your subscription.\n\nBest regards,\nNews Site Team", planName, date)
	case NoticeExpired:
		n.Subject = "Your subscription has expired"
		n.Body = fmt.Sprintf("Your %s subscription has expired and premium features, including your pinned post, are no longer available.\n\nBest regards,\nNews Site Team", planName)
	}
	return n
}
