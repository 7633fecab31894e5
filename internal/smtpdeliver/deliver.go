// Package smtpdeliver performs a single SMTP delivery session against one
// server on behalf of one or more recipients, generalizing the reference
// engine's net/smtp-based dialer onto github.com/emersion/go-smtp so relay
// authentication (github.com/emersion/go-sasl) and SMTPUTF8 are available.
package smtpdeliver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/posthorn/posthorn/internal/model"
)

// ClientSecurity mirrors the TLS posture of a single SMTP session.
type ClientSecurity int

const (
	// SecurityNone never attempts STARTTLS.
	SecurityNone ClientSecurity = iota
	// SecurityOpportunistic attempts STARTTLS when advertised, but
	// proceeds in clear text if negotiation fails. Direct-to-MX delivery
	// uses it unless Config.RequireTLS is set; relay delivery uses it when
	// RelayConfig.UseTLS is set without RelayConfig.RequireTLS.
	SecurityOpportunistic
	// SecurityRequired refuses to deliver unless STARTTLS is advertised
	// and succeeds. Direct-to-MX delivery uses it when Config.RequireTLS
	// is set; relay delivery uses it when RelayConfig.RequireTLS is set.
	SecurityRequired
)

// Deliverer drives one-shot SMTP sessions.
type Deliverer struct {
	heloName string
	timeout  time.Duration
	logger   *slog.Logger
	metrics  model.MetricsRecorder
}

// New builds a Deliverer. heloName is presented in EHLO/HELO; timeout
// bounds both the dial and the overall session.
func New(heloName string, timeout time.Duration, logger *slog.Logger, metrics model.MetricsRecorder) *Deliverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliverer{heloName: heloName, timeout: timeout, logger: logger, metrics: metrics}
}

// Deliver opens one SMTP session to host:port and attempts delivery of
// prepared to every address in to, returning a per-address result. It never
// returns a Go error: every failure mode (dial, handshake, command
// rejection) is folded into the returned per-recipient DeliveryResult,
// since one unreachable or misbehaving server must not abort delivery
// through other MX groups for the same message.
func (d *Deliverer) Deliver(
	ctx context.Context,
	prepared model.PreparedEmail,
	to []string,
	host string,
	port int,
	security ClientSecurity,
	auth *model.RelayAuth,
) map[string]model.DeliveryResult {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.metrics.SMTPAttempt("dial_error")
		return resultFromErr(err, to)
	}
	_ = conn.SetDeadline(time.Now().Add(d.timeout))

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		d.metrics.SMTPAttempt("client_error")
		return resultFromErr(err, to)
	}
	defer func() { _ = client.Close() }()

	if err := client.Hello(d.heloName); err != nil {
		d.metrics.SMTPAttempt("ehlo_error")
		return resultFromErr(err, to)
	}

	tlsOK, _ := client.Extension("STARTTLS")
	switch security {
	case SecurityRequired:
		if !tlsOK {
			d.metrics.SMTPAttempt("starttls_unavailable")
			return allFailed(to, "STARTTLS required but not advertised by "+host)
		}
		if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
			d.metrics.SMTPAttempt("starttls_failed")
			return allFailed(to, "STARTTLS required but failed: "+err.Error())
		}
	case SecurityOpportunistic:
		if tlsOK {
			if err := client.StartTLS(&tls.Config{ServerName: host}); err != nil {
				d.logger.Warn("opportunistic STARTTLS failed, continuing in clear text",
					"host", host, "error", err)
			}
		}
	case SecurityNone:
	}

	if auth != nil {
		if err := client.Auth(sasl.NewPlainClient("", auth.Username, auth.Password)); err != nil {
			d.metrics.SMTPAttempt("auth_failed")
			return allFailed(to, "SMTP AUTH failed: "+err.Error())
		}
	}

	if err := client.Mail(prepared.From, nil); err != nil {
		d.metrics.SMTPAttempt("mail_from_error")
		return resultFromErr(err, to)
	}

	results := make(map[string]model.DeliveryResult, len(to))
	var accepted []string
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt, nil); err != nil {
			results[rcpt] = classifySingle(err)
			continue
		}
		accepted = append(accepted, rcpt)
	}

	if len(accepted) == 0 {
		_ = client.Reset()
		return results
	}

	wc, err := client.Data()
	if err != nil {
		d.metrics.SMTPAttempt("data_error")
		mergeInto(results, resultFromErr(err, accepted))
		return results
	}
	if _, err := wc.Write(prepared.Message); err != nil {
		_ = wc.Close()
		mergeInto(results, resultFromErr(err, accepted))
		return results
	}
	if err := wc.Close(); err != nil {
		mergeInto(results, resultFromErr(err, accepted))
		return results
	}

	for _, rcpt := range accepted {
		results[rcpt] = model.Delivered("250 accepted")
	}
	d.metrics.SMTPAttempt("delivered")
	return results
}

func mergeInto(dst, src map[string]model.DeliveryResult) {
	for k, v := range src {
		dst[k] = v
	}
}
