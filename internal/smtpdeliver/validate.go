package smtpdeliver

import (
	"fmt"
	"strings"
)

// ValidateAddress applies the same bare-minimum syntax guard an SMTP client
// library applies before handing an address to MAIL FROM/RCPT TO: split at
// its last "@", both the local and the domain part must be non-empty, and
// it must not contain the CR or LF bytes an SMTP command line forbids.
func ValidateAddress(addr string) error {
	if strings.ContainsAny(addr, "\r\n") {
		return fmt.Errorf("address %q contains a line break", addr)
	}
	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return fmt.Errorf("address %q is not a valid addr-spec", addr)
	}
	return nil
}
