package smtpdeliver

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/emersion/go-smtp"

	"github.com/posthorn/posthorn/internal/model"
)

// classifySingle maps one SMTP session error to the DeliveryResult every
// recipient still outstanding in that session should receive. Network-level
// failures (refused connections, resets, timeouts, DNS lookups that fail
// mid-dial) are treated as transient, since the same host often succeeds on
// the next scheduled attempt; protocol-level and configuration failures
// (TLS negotiation, malformed responses) are treated as permanent.
func classifySingle(err error) model.DeliveryResult {
	if err == nil {
		return model.Delivered("250 OK")
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		msg := fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message)
		switch {
		case smtpErr.Code >= 200 && smtpErr.Code < 400:
			return model.Delivered(msg)
		case smtpErr.Code >= 400 && smtpErr.Code < 500:
			return model.Deferred(1, msg)
		default:
			return model.Failed(msg)
		}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.Deferred(1, "DNS resolution failed: "+err.Error())
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH,
			syscall.ECONNABORTED, syscall.EADDRINUSE, syscall.EINTR, syscall.ENETDOWN, syscall.EBUSY:
			return model.Deferred(1, "connection error: "+err.Error())
		}
		return model.Failed(err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.Deferred(1, "network error: "+err.Error())
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return model.Deferred(1, "connection error: "+err.Error())
	}

	return model.Failed(err.Error())
}

func resultFromErr(err error, to []string) map[string]model.DeliveryResult {
	res := classifySingle(err)
	out := make(map[string]model.DeliveryResult, len(to))
	for _, addr := range to {
		out[addr] = res
	}
	return out
}

func allFailed(to []string, reason string) map[string]model.DeliveryResult {
	out := make(map[string]model.DeliveryResult, len(to))
	for _, addr := range to {
		out[addr] = model.Failed(reason)
	}
	return out
}
