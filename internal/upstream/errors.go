package upstream

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/backhaul/internal/hubproto"
)

// isAuthRejected reports whether the hub closed the link for bad
// credentials.
func isAuthRejected(err error) bool {
	return err != nil && websocket.IsCloseError(err, hubproto.CloseInvalidCredentials)
}

func isTLSVerifyError(err error) bool {
	if err == nil {
		return false
	}
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		certInvalid x509.CertificateInvalidError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostnameErr) || errors.As(err, &certInvalid) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "x509:") || strings.Contains(msg, "failed to verify certificate")
}

// shortenError extracts the innermost meaningful message from nested
// network errors so logs say "connection refused" instead of the full dial
// trace.
func shortenError(err error) string {
	if err == nil {
		return ""
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		err = ue.Err
	}
	var oe *net.OpError
	if errors.As(err, &oe) && oe.Err != nil {
		return oe.Err.Error()
	}
	return err.Error()
}
