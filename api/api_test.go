package api_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeter-tech/devicegate/admin"
	"github.com/perimeter-tech/devicegate/api"
	"github.com/perimeter-tech/devicegate/auth"
	"github.com/perimeter-tech/devicegate/credentials"
	"github.com/perimeter-tech/devicegate/devices"
	"github.com/perimeter-tech/devicegate/devices/snapshot"
	"github.com/perimeter-tech/devicegate/tokens"
)

const testAdminKey = "test-admin-key"

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	store, err := snapshot.NewFile(filepath.Join(t.TempDir(), "devices.json"))
	require.NoError(t, err)
	registry := devices.NewRegistry(context.Background(), store)
	codec := credentials.NewCodec([]byte("server-secret"))
	issuer := tokens.NewHS256Issuer([]byte("signing-key"), "devicegate", time.Hour)

	router := mux.NewRouter()
	api.MustNewAPI(&api.Builder{
		Router: router,
		Auth: auth.MustNewService(&auth.Builder{
			Registry: registry,
			Codec:    codec,
			Issuer:   issuer,
		}),
		Admin: admin.MustNewService(&admin.Builder{
			Registry: registry,
		}),
		AdminKey: testAdminKey,
	})
	return router
}

func doRequest(t *testing.T, router *mux.Router, method, path string, body interface{}, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	if admin {
		request.Header.Set("Devicegate-Admin-Key", testAdminKey)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestDeviceLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	// 1. register
	recorder := doRequest(t, router, http.MethodPost, "/admin/register", map[string]interface{}{
		"deviceId": "AA:BB:CC:DD:EE:FF",
		"metadata": map[string]string{"firmwareVersion": "1.0.0", "room": "basement"},
	}, true)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	assert.NotEmpty(t, recorder.Header().Get("Request-Id"))
	var registered struct {
		Message string `json:"message"`
		Device  struct {
			DeviceID string `json:"deviceId"`
			Secret   string `json:"secret"`
		} `json:"device"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &registered))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", registered.Device.DeviceID)
	assert.Len(t, registered.Device.Secret, 64)
	secret := registered.Device.Secret

	// 2. duplicate registration fails with 400
	recorder = doRequest(t, router, http.MethodPost, "/admin/register", map[string]interface{}{
		"deviceId": "aa-bb-cc-dd-ee-ff",
	}, true)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	// 3. request a token with the lower-case spelling
	recorder = doRequest(t, router, http.MethodPost, "/auth/token", map[string]interface{}{
		"deviceId": "aa:bb:cc:dd:ee:ff",
		"secret":   secret,
	}, false)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	var tokenResponse struct {
		CustomToken string `json:"customToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &tokenResponse))
	assert.Equal(t, 3600, tokenResponse.ExpiresIn)
	require.NotEmpty(t, tokenResponse.CustomToken)

	// verify the minted token
	recorder = doRequest(t, router, http.MethodPost, "/auth/verify", map[string]interface{}{
		"idToken": tokenResponse.CustomToken,
	}, false)
	require.Equal(t, http.StatusOK, recorder.Code)
	var verifyResponse struct {
		Valid    bool                   `json:"valid"`
		DeviceID string                 `json:"deviceId"`
		Claims   map[string]interface{} `json:"claims"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &verifyResponse))
	assert.True(t, verifyResponse.Valid)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", verifyResponse.DeviceID)

	// 4. revoke; the correct secret no longer authenticates
	recorder = doRequest(t, router, http.MethodPost, "/admin/revoke", map[string]interface{}{
		"deviceId": "AA:BB:CC:DD:EE:FF",
		"reason":   "lost",
	}, true)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = doRequest(t, router, http.MethodPost, "/auth/token", map[string]interface{}{
		"deviceId": "AA:BB:CC:DD:EE:FF",
		"secret":   secret,
	}, false)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	// 5. the device list has one revoked entry and no secret key
	recorder = doRequest(t, router, http.MethodGet, "/admin/devices", nil, true)
	require.Equal(t, http.StatusOK, recorder.Code)
	var listResponse struct {
		Count   int                      `json:"count"`
		Devices []map[string]interface{} `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &listResponse))
	require.Equal(t, 1, listResponse.Count)
	assert.Equal(t, "revoked", listResponse.Devices[0]["status"])
	_, hasSecret := listResponse.Devices[0]["secret"]
	assert.False(t, hasSecret)
}

func TestAuthTokenValidation(t *testing.T) {
	router := newTestRouter(t)

	// missing fields
	recorder := doRequest(t, router, http.MethodPost, "/auth/token", map[string]interface{}{
		"deviceId": "AA:BB:CC:DD:EE:FF",
	}, false)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	// unknown device surfaces as invalid credentials
	recorder = doRequest(t, router, http.MethodPost, "/auth/token", map[string]interface{}{
		"deviceId": "AA:BB:CC:DD:EE:FF",
		"secret":   "0000",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	var errorResponse struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &errorResponse))
	assert.Equal(t, "invalid credentials", errorResponse.Error)
}

func TestVerifyRejectsInvalidToken(t *testing.T) {
	router := newTestRouter(t)

	recorder := doRequest(t, router, http.MethodPost, "/auth/verify", map[string]interface{}{
		"idToken": "garbage",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	var verifyResponse struct {
		Valid bool   `json:"valid"`
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &verifyResponse))
	assert.False(t, verifyResponse.Valid)
	assert.NotEmpty(t, verifyResponse.Error)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	router := newTestRouter(t)

	recorder := doRequest(t, router, http.MethodGet, "/admin/devices", nil, false)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = doRequest(t, router, http.MethodPost, "/admin/register", map[string]interface{}{
		"deviceId": "AA:BB:CC:DD:EE:FF",
	}, false)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestGetDevice(t *testing.T) {
	router := newTestRouter(t)

	recorder := doRequest(t, router, http.MethodPost, "/admin/register", map[string]interface{}{
		"deviceId": "AA:BB:CC:DD:EE:FF",
	}, true)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = doRequest(t, router, http.MethodGet, "/admin/devices/AA:BB:CC:DD:EE:FF", nil, true)
	require.Equal(t, http.StatusOK, recorder.Code)
	var getResponse struct {
		Device map[string]interface{} `json:"device"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &getResponse))
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", getResponse.Device["deviceId"])
	_, hasSecret := getResponse.Device["secret"]
	assert.False(t, hasSecret)

	recorder = doRequest(t, router, http.MethodGet, "/admin/devices/11:22:33:44:55:66", nil, true)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestRevokeUnknownDeviceIsBadRequest(t *testing.T) {
	router := newTestRouter(t)

	recorder := doRequest(t, router, http.MethodPost, "/admin/revoke", map[string]interface{}{
		"deviceId": "11:22:33:44:55:66",
	}, true)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}
