package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"

	"github.com/guardant/guardant/internal/model"
)

// classifyNetError maps a transport failure to its wire error kind.
// Deadline overruns, TLS validation failures, and DNS failures each get
// their own kind; everything else (refused connections, resets, malformed
// responses) is a protocol failure with the cause in the detail.
func classifyNetError(err error) *model.ProbeError {
	if err == nil {
		return nil
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &model.ProbeError{Kind: model.KindProbeDNS, Detail: dnsErr.Error()}
	}

	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) || errors.As(err, &invalidCert) {
		return &model.ProbeError{Kind: model.KindProbeTLS, Detail: err.Error()}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &model.ProbeError{Kind: model.KindProbeTimeout, Detail: "deadline exceeded"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &model.ProbeError{Kind: model.KindProbeTimeout, Detail: netErr.Error()}
	}

	return &model.ProbeError{Kind: model.KindProbeProtocol, Detail: err.Error()}
}
