/*Package auth orchestrates the device authentication flow: normalize
the identifier, look the device up, verify the secret, request a
signed token and record the success.
*/
package auth

import (
	"context"
	"time"

	"github.com/perimeter-tech/devicegate/audit"
	"github.com/perimeter-tech/devicegate/core"
	"github.com/perimeter-tech/devicegate/core/logger"
	"github.com/perimeter-tech/devicegate/credentials"
	"github.com/perimeter-tech/devicegate/devices"
	"github.com/perimeter-tech/devicegate/tokens"
)

// TokenValiditySeconds is the fixed validity window communicated to
// devices with every issued token.
const TokenValiditySeconds = 3600

// devicePermissions is the fixed permission set carried by every
// device token.
var devicePermissions = []string{"telemetry:write", "commands:read"}

// TokenResponse is the successful outcome of a credential request.
type TokenResponse struct {
	Token     string `json:"customToken"`
	ExpiresIn int    `json:"expiresIn"`
}

// Service verifies device credentials and turns a verified device into
// a signed-token request.
type Service struct {
	registry *devices.Registry
	codec    *credentials.Codec
	issuer   tokens.Issuer
	audit    audit.Sink
}

// Builder is a builder helper for the auth Service
type Builder struct {
	// Registry is the device registry. This is mandatory.
	Registry *devices.Registry
	// Codec verifies device secrets. This is mandatory.
	Codec *credentials.Codec
	// Issuer mints the signed tokens. This is mandatory.
	Issuer tokens.Issuer
	// Audit receives authentication events. Defaults to the log sink.
	Audit audit.Sink
}

// MustNewService realizes the auth service.
func MustNewService(b *Builder) *Service {
	if b.Registry == nil {
		panic("Registry is missing")
	}
	if b.Codec == nil {
		panic("Codec is missing")
	}
	if b.Issuer == nil {
		panic("Issuer is missing")
	}
	sink := b.Audit
	if sink == nil {
		sink = audit.LogSink{}
	}
	return &Service{
		registry: b.Registry,
		codec:    b.Codec,
		issuer:   b.Issuer,
		audit:    sink,
	}
}

// RequestToken authenticates a device and requests a signed token for
// it. All failure reasons surface uniformly as core.ErrUnauthorized;
// the distinct reason goes to the audit sink only.
//
// The unknown-device and inactive-device branches return before any
// secret hash is computed, so their latency differs from the
// bad-secret branch. This is a known property of the flow, kept as
// documented behavior.
//
// Success is recorded only after the issuer call succeeded: a failed
// issuance is an upstream error, not an authentication.
func (s *Service) RequestToken(ctx context.Context, rawDeviceID, providedSecret, firmwareHint string) (TokenResponse, error) {
	id := devices.Normalize(rawDeviceID)
	rlog := logger.FromContext(ctx)

	device, ok := s.registry.Lookup(ctx, id)
	if !ok {
		s.audit.Publish(ctx, audit.KindAuthDenied, id, "unknown device")
		return TokenResponse{}, core.ErrUnauthorized
	}
	if device.Status != devices.StatusActive {
		s.audit.Publish(ctx, audit.KindAuthDenied, id, "device not active")
		return TokenResponse{}, core.ErrUnauthorized
	}
	if !s.codec.Verify(providedSecret, device.Secret) {
		s.audit.Publish(ctx, audit.KindAuthDenied, id, "bad secret")
		return TokenResponse{}, core.ErrUnauthorized
	}

	firmware := firmwareHint
	if firmware == "" {
		firmware = device.Metadata.FirmwareVersion
	}
	claims := map[string]interface{}{
		"role":            "device",
		"deviceId":        id,
		"permissions":     devicePermissions,
		"firmwareVersion": firmware,
		"issuedAt":        time.Now().UTC().Format(time.RFC3339),
	}

	token, err := s.issuer.Issue(id, claims)
	if err != nil {
		rlog.WithError(err).Errorln("token issuance failed")
		s.audit.Publish(ctx, audit.KindAuthUpstreamErr, id, "issuer failure")
		return TokenResponse{}, &core.UpstreamError{Err: err}
	}

	if err := s.registry.RecordSuccess(ctx, id); err != nil {
		// The device disappeared between lookup and success recording.
		// The token is already minted, log and continue.
		rlog.WithError(err).Warnln("cannot record authentication success")
	}
	s.audit.Publish(ctx, audit.KindAuthGranted, id, "")

	return TokenResponse{Token: token, ExpiresIn: TokenValiditySeconds}, nil
}

// VerifyExternalToken validates an externally presented token through
// the issuer. No registry interaction.
func (s *Service) VerifyExternalToken(ctx context.Context, token string) (map[string]interface{}, error) {
	return s.issuer.Verify(token)
}
