// Package identity secures the admin gRPC surface with SPIFFE/mTLS: every
// peer proves a workload identity issued by SPIRE, and only callers whose
// SVID trust domain matches the configured one are authorized.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/credentials"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
	grpccredentials "google.golang.org/grpc/credentials"
)

// Verifier holds the workload API connection backing mTLS for the admin
// gRPC surface.
type Verifier struct {
	source *workloadapi.X509Source
}

// NewVerifier connects to the SPIRE agent at socketPath. A timeout keeps
// process startup from hanging when no agent is reachable.
func NewVerifier(socketPath string) (*Verifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to SPIRE workload API: %w", err)
	}

	slog.Info("identity: connected to SPIRE agent", "socket_path", socketPath)
	return &Verifier{source: source}, nil
}

// ServerCredentials returns gRPC transport credentials for the admin
// listener: every client must present an SVID issued under trustDomain.
func (v *Verifier) ServerCredentials(trustDomain string) (grpccredentials.TransportCredentials, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("invalid trust domain %q: %w", trustDomain, err)
	}
	return credentials.MTLSServerCredentials(v.source, v.source, tlsconfig.AuthorizeMemberOf(td)), nil
}

// ClientCredentials returns gRPC transport credentials for dialing the
// admin surface, authorizing the server side under trustDomain.
func (v *Verifier) ClientCredentials(trustDomain string) (grpccredentials.TransportCredentials, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, fmt.Errorf("invalid trust domain %q: %w", trustDomain, err)
	}
	return credentials.MTLSClientCredentials(v.source, v.source, tlsconfig.AuthorizeMemberOf(td)), nil
}

// Close releases the workload API connection.
func (v *Verifier) Close() error {
	return v.source.Close()
}

// AdminSPIFFEID returns the SPIFFE ID the admin surface itself presents.
func AdminSPIFFEID(trustDomain string) string {
	return fmt.Sprintf("spiffe://%s/admin", trustDomain)
}
