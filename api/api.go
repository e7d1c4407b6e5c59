/*Package api exposes the devicegate HTTP surface on a gorilla router:
the device-facing authentication routes and the key-protected admin
routes for provisioning, revocation and queries.
*/
package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/perimeter-tech/devicegate/admin"
	"github.com/perimeter-tech/devicegate/auth"
	"github.com/perimeter-tech/devicegate/core"
	"github.com/perimeter-tech/devicegate/core/logger"
	"github.com/perimeter-tech/devicegate/devices"
)

// API is the RESTful interface of the devicegate service
type API struct {
	auth     *auth.Service
	admin    *admin.Service
	adminKey string
}

// Builder is a builder helper for the API
type Builder struct {
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Auth is the authentication service. This is mandatory.
	Auth *auth.Service
	// Admin is the lifecycle service. This is mandatory.
	Admin *admin.Service
	// AdminKey is a key used as shared secret for the admin routes.
	// This is mandatory.
	AdminKey string
}

// MustNewAPI realizes the API. It adds the auth and admin routes to
// the router and installs the CORS, request-ID and admin-key
// middlewares.
func MustNewAPI(b *Builder) *API {
	if b.Router == nil {
		panic("Router is missing")
	}
	if b.Auth == nil {
		panic("Auth service is missing")
	}
	if b.Admin == nil {
		panic("Admin service is missing")
	}
	if len(b.AdminKey) == 0 {
		panic("Devicegate-Admin-Key is missing")
	}

	a := &API{
		auth:     b.Auth,
		admin:    b.Admin,
		adminKey: b.AdminKey,
	}
	logger.AddRequestID(b.Router)
	a.handleCORS(b.Router)
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleCORS(router *mux.Router) {
	corsMiddleware := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Devicegate-Admin-Key")
			w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

			if r.Method == http.MethodOptions {
				logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
	router.Use(corsMiddleware)
}

func (a *API) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("api: handle route /auth/token POST")
	logger.Default().Debugln("api: handle route /auth/verify POST")
	logger.Default().Debugln("api: handle routes /admin/register /admin/revoke /admin/devices")

	router.HandleFunc("/auth/token", a.requestToken).Methods(http.MethodOptions, http.MethodPost)
	router.HandleFunc("/auth/verify", a.verifyToken).Methods(http.MethodOptions, http.MethodPost)

	adminRouter := router.PathPrefix("/admin").Subrouter()
	adminRouter.Use(a.adminKeyMiddleware)
	adminRouter.HandleFunc("/register", a.registerDevice).Methods(http.MethodOptions, http.MethodPost)
	adminRouter.HandleFunc("/revoke", a.revokeDevice).Methods(http.MethodOptions, http.MethodPost)
	adminRouter.Handle("/devices", handlers.CompressHandler(http.HandlerFunc(a.listDevices))).Methods(http.MethodOptions, http.MethodGet)
	adminRouter.HandleFunc("/devices/{deviceId}", a.getDevice).Methods(http.MethodOptions, http.MethodGet)
}

func (a *API) adminKeyMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Devicegate-Admin-Key")
		if key != a.adminKey {
			writeError(w, http.StatusUnauthorized, "admin not authorized")
			return
		}
		// lifecycle mutations log with the admin identity
		ctx, _ := logger.ContextWithLoggerIdentity(r.Context(), "admin")
		h.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) requestToken(w http.ResponseWriter, r *http.Request) {
	var request struct {
		DeviceID        string `json:"deviceId"`
		Secret          string `json:"secret"`
		FirmwareVersion string `json:"firmwareVersion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if request.DeviceID == "" || request.Secret == "" {
		writeError(w, http.StatusBadRequest, "deviceId and secret are required")
		return
	}

	response, err := a.auth.RequestToken(r.Context(), request.DeviceID, request.Secret, request.FirmwareVersion)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		CustomToken string `json:"customToken"`
		ExpiresIn   int    `json:"expiresIn"`
		Message     string `json:"message"`
	}{
		CustomToken: response.Token,
		ExpiresIn:   response.ExpiresIn,
		Message:     "authentication successful",
	})
}

func (a *API) verifyToken(w http.ResponseWriter, r *http.Request) {
	var request struct {
		IDToken string `json:"idToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request.IDToken == "" {
		writeError(w, http.StatusBadRequest, "idToken is required")
		return
	}

	claims, err := a.auth.VerifyExternalToken(r.Context(), request.IDToken)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, struct {
			Valid bool   `json:"valid"`
			Error string `json:"error"`
		}{Valid: false, Error: "invalid token"})
		return
	}
	deviceID, _ := claims["deviceId"].(string)
	if deviceID == "" {
		deviceID, _ = claims["sub"].(string)
	}
	writeJSON(w, http.StatusOK, struct {
		Valid    bool                   `json:"valid"`
		DeviceID string                 `json:"deviceId"`
		Claims   map[string]interface{} `json:"claims"`
	}{Valid: true, DeviceID: deviceID, Claims: claims})
}

func (a *API) registerDevice(w http.ResponseWriter, r *http.Request) {
	var request struct {
		DeviceID string           `json:"deviceId"`
		Metadata devices.Metadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	creds, err := a.admin.Register(r.Context(), request.DeviceID, request.Metadata)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message string              `json:"message"`
		Device  devices.Credentials `json:"device"`
	}{Message: "device registered", Device: creds})
}

func (a *API) revokeDevice(w http.ResponseWriter, r *http.Request) {
	var request struct {
		DeviceID string `json:"deviceId"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := a.admin.Revoke(r.Context(), request.DeviceID, request.Reason)
	if errors.Is(err, core.ErrNotFound) {
		// revocation of an unknown device is a bad request, not a 404
		writeError(w, http.StatusBadRequest, "device not found")
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Message  string `json:"message"`
		DeviceID string `json:"deviceId"`
	}{Message: "device revoked", DeviceID: devices.Normalize(request.DeviceID)})
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	views := a.admin.List(r.Context())
	writeJSON(w, http.StatusOK, struct {
		Count   int            `json:"count"`
		Devices []devices.View `json:"devices"`
	}{Count: len(views), Devices: views})
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	params := mux.Vars(r)
	view, err := a.admin.Get(r.Context(), params["deviceId"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Device devices.View `json:"device"`
	}{Device: view})
}

// writeServiceError maps the error taxonomy to HTTP status codes. The
// unauthorized message is uniform on purpose; the internal reason only
// reaches the audit log.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *core.ValidationError
	var upstream *core.UpstreamError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Reason)
	case errors.Is(err, core.ErrAlreadyRegistered):
		writeError(w, http.StatusBadRequest, "device already registered")
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, core.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.As(err, &upstream):
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3151: upstream token service failure")
		writeError(w, http.StatusInternalServerError, "Error 3151")
	default:
		logger.FromContext(r.Context()).WithError(err).Errorln("Error 3152: internal error")
		writeError(w, http.StatusInternalServerError, "Error 3152")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
