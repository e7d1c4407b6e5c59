package auth_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeter-tech/devicegate/audit"
	"github.com/perimeter-tech/devicegate/auth"
	"github.com/perimeter-tech/devicegate/core"
	"github.com/perimeter-tech/devicegate/credentials"
	"github.com/perimeter-tech/devicegate/devices"
	"github.com/perimeter-tech/devicegate/devices/snapshot"
)

// fakeIssuer records the last issue call and can be told to fail
type fakeIssuer struct {
	mu         sync.Mutex
	fail       bool
	lastClaims map[string]interface{}
	issued     int
}

func (f *fakeIssuer) Issue(subject string, claims map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("identity provider unreachable")
	}
	f.lastClaims = claims
	f.issued++
	return "signed-token-for-" + subject, nil
}

func (f *fakeIssuer) Verify(token string) (map[string]interface{}, error) {
	if token != "valid" {
		return nil, core.ErrInvalidToken
	}
	return map[string]interface{}{"deviceId": "AA:BB:CC:DD:EE:FF"}, nil
}

// recordingSink collects the internally distinguished audit reasons
type recordingSink struct {
	mu      sync.Mutex
	reasons []string
}

func (s *recordingSink) Publish(ctx context.Context, kind audit.Kind, deviceID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reasons = append(s.reasons, reason)
}

func newTestService(t *testing.T) (*auth.Service, *devices.Registry, *fakeIssuer, *recordingSink) {
	t.Helper()
	store, err := snapshot.NewFile(filepath.Join(t.TempDir(), "devices.json"))
	require.NoError(t, err)
	registry := devices.NewRegistry(context.Background(), store)
	issuer := &fakeIssuer{}
	sink := &recordingSink{}
	service := auth.MustNewService(&auth.Builder{
		Registry: registry,
		Codec:    credentials.NewCodec([]byte("server-secret")),
		Issuer:   issuer,
		Audit:    sink,
	})
	return service, registry, issuer, sink
}

func TestRequestTokenSuccess(t *testing.T) {
	ctx := context.Background()
	service, registry, _, _ := newTestService(t)

	creds, err := registry.Register(ctx, "AA:BB:CC:DD:EE:FF", devices.Metadata{})
	require.NoError(t, err)

	// lower-case, dash-separated spelling of the same identifier
	response, err := service.RequestToken(ctx, "aa-bb-cc-dd-ee-ff", creds.Secret, "")
	require.NoError(t, err)
	assert.Equal(t, "signed-token-for-AA:BB:CC:DD:EE:FF", response.Token)
	assert.Equal(t, 3600, response.ExpiresIn)

	device, ok := registry.Lookup(ctx, "AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	assert.Equal(t, int64(1), device.AuthCount)
	assert.NotNil(t, device.LastAuthAt)
}

func TestRequestTokenFailuresAreUniform(t *testing.T) {
	ctx := context.Background()
	service, registry, _, sink := newTestService(t)

	creds, err := registry.Register(ctx, "AA:BB:CC:DD:EE:FF", devices.Metadata{})
	require.NoError(t, err)

	// unknown device
	_, err = service.RequestToken(ctx, "11:22:33:44:55:66", creds.Secret, "")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	// bad secret
	_, err = service.RequestToken(ctx, "AA:BB:CC:DD:EE:FF", "0000", "")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	// revoked device, even with the exact correct secret
	require.NoError(t, registry.Revoke(ctx, "AA:BB:CC:DD:EE:FF", "lost"))
	_, err = service.RequestToken(ctx, "AA:BB:CC:DD:EE:FF", creds.Secret, "")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	// the distinct reasons are audit-only
	assert.Equal(t, []string{"unknown device", "bad secret", "device not active"}, sink.reasons)

	device, _ := registry.Lookup(ctx, "AA:BB:CC:DD:EE:FF")
	assert.Equal(t, int64(0), device.AuthCount)
}

func TestRequestTokenUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	service, registry, issuer, _ := newTestService(t)

	creds, err := registry.Register(ctx, "AA:BB:CC:DD:EE:FF", devices.Metadata{})
	require.NoError(t, err)

	issuer.fail = true
	_, err = service.RequestToken(ctx, "AA:BB:CC:DD:EE:FF", creds.Secret, "")
	var upstream *core.UpstreamError
	require.ErrorAs(t, err, &upstream)

	// a failed issuance must not count as an authentication
	device, _ := registry.Lookup(ctx, "AA:BB:CC:DD:EE:FF")
	assert.Equal(t, int64(0), device.AuthCount)
	assert.Nil(t, device.LastAuthAt)
}

func TestRequestTokenClaims(t *testing.T) {
	ctx := context.Background()
	service, registry, issuer, _ := newTestService(t)

	creds, err := registry.Register(ctx, "AA:BB:CC:DD:EE:FF", devices.Metadata{FirmwareVersion: "1.0.0"})
	require.NoError(t, err)

	// stored firmware version is the fallback
	_, err = service.RequestToken(ctx, "AA:BB:CC:DD:EE:FF", creds.Secret, "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", issuer.lastClaims["firmwareVersion"])
	assert.Equal(t, "device", issuer.lastClaims["role"])
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", issuer.lastClaims["deviceId"])
	assert.NotEmpty(t, issuer.lastClaims["permissions"])
	assert.NotEmpty(t, issuer.lastClaims["issuedAt"])

	// an explicit hint wins over the stored version
	_, err = service.RequestToken(ctx, "AA:BB:CC:DD:EE:FF", creds.Secret, "2.0.0-rc1")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0-rc1", issuer.lastClaims["firmwareVersion"])
}

func TestRequestTokenConcurrent(t *testing.T) {
	ctx := context.Background()
	service, registry, _, _ := newTestService(t)

	creds, err := registry.Register(ctx, "AA:BB:CC:DD:EE:FF", devices.Metadata{})
	require.NoError(t, err)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.RequestToken(ctx, "AA:BB:CC:DD:EE:FF", creds.Secret, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	device, _ := registry.Lookup(ctx, "AA:BB:CC:DD:EE:FF")
	assert.Equal(t, int64(n), device.AuthCount)
}

func TestVerifyExternalToken(t *testing.T) {
	ctx := context.Background()
	service, _, _, _ := newTestService(t)

	claims, err := service.VerifyExternalToken(ctx, "valid")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", claims["deviceId"])

	_, err = service.VerifyExternalToken(ctx, "garbage")
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}
