package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/directory"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/fallalert"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/monitor"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/session"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/webevents"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/identity"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/push"
	"github.com/smartstick/guardian-monitor/internal/pkg/presentation/api/auth"
	"github.com/smartstick/guardian-monitor/pkg/types"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("guardian-monitor/api")

const profileMissingHint = "the account has no user record, run setup-admin with the same credentials to restore it"

type Services struct {
	Sessions  session.Manager
	Directory directory.Directory
	Monitor   monitor.Service
	Alerts    fallalert.Service
	Tokens    push.Registry
	Events    http.Handler
}

func RegisterHandlers(ctx context.Context, router *chi.Mux, policies io.Reader, svc Services) (*chi.Mux, error) {

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	log := logging.GetLoggerFromContext(ctx)

	authenticator, err := auth.NewAuthenticator(ctx, svc.Sessions, policies, writeError)
	if err != nil {
		return nil, fmt.Errorf("failed to create api authenticator: %w", err)
	}

	router.Route("/api/v0", func(r chi.Router) {
		r.Post("/auth/login", loginHandler(log, svc.Sessions))

		r.Group(func(r chi.Router) {
			r.Use(authenticator.RequireAccess(auth.ScopeGuardian))

			r.Post("/auth/logout", logoutHandler(log, svc.Sessions))
			r.Get("/me", meHandler())

			r.Get("/devices", queryDevicesHandler(log, svc.Monitor))
			r.Patch("/devices/{deviceID}", patchDeviceHandler(log, svc.Directory))
			r.Get("/devices/{deviceID}/fallhistory", fallHistoryHandler(log, svc.Directory))

			r.Get("/alerts", getAlertsHandler(log, svc.Directory, svc.Alerts))
			r.Post("/alerts/{deviceID}/acknowledge", acknowledgeHandler(log, svc.Directory, svc.Alerts))
			r.Post("/alerts/banners/{bannerID}/dismiss", dismissBannerHandler(log, svc.Directory, svc.Alerts))

			r.Post("/push/tokens", registerTokenHandler(log, svc.Tokens))
			r.Delete("/push/tokens/{token}", unregisterTokenHandler(log, svc.Tokens))

			r.Get("/events", svc.Events.ServeHTTP)
		})

		r.Group(func(r chi.Router) {
			r.Use(authenticator.RequireAccess(auth.ScopeAdmin))

			r.Get("/guardians", queryGuardiansHandler(log, svc.Directory))
			r.Post("/guardians", createGuardianHandler(log, svc.Directory))
			r.Delete("/guardians/{guardianID}", deleteGuardianHandler(log, svc.Directory))

			r.Post("/devices", createDeviceHandler(log, svc.Directory))
			r.Delete("/devices/{deviceID}", deleteDeviceHandler(log, svc.Directory))
			r.Post("/devices/{deviceID}/link", linkDeviceHandler(log, svc.Directory, true))
			r.Post("/devices/{deviceID}/unlink", linkDeviceHandler(log, svc.Directory, false))

			r.Get("/sources/unassigned", unassignedSourcesHandler(svc.Monitor))
		})
	})

	return router, nil
}

// EventChannel binds an event stream client to the channel of its user.
func EventChannel(r *http.Request) string {
	s, ok := auth.SessionFromContext(r.Context())
	if !ok {
		return ""
	}

	if s.User.IsAdmin() {
		return webevents.AdminChannel
	}

	return s.User.ID
}

func loginHandler(log zerolog.Logger, sessions session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "login")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		req := loginRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s, err := sessions.Login(ctx, req.Email, req.Password)
		if errors.Is(err, session.ErrProfileMissing) {
			requestLogger.Warn().Str("email", req.Email).Msg("signed in without a user record")
			writeJSON(w, http.StatusForbidden, struct {
				errorResponse
				Session session.Session `json:"session"`
			}{errorResponse{Error: err.Error(), Hint: profileMissingHint}, s})
			return
		}
		if err != nil {
			requestLogger.Info().Err(err).Msg("login failed")
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, s)
	}
}

func logoutHandler(log zerolog.Logger, sessions session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "logout")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		s, _ := auth.SessionFromContext(ctx)

		if err = sessions.Logout(ctx, s.ID); err != nil {
			requestLogger.Error().Err(err).Msg("logout failed")
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func meHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, _ := auth.SessionFromContext(r.Context())
		writeJSON(w, http.StatusOK, s.User)
	}
}

func queryDevicesHandler(log zerolog.Logger, mon monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := currentUser(r)

		var devices []types.MergedDevice
		if user.IsAdmin() {
			devices = mon.Devices()
		} else {
			devices = mon.DevicesFor(user.ID)
		}

		if strings.Contains(r.Header.Get("Accept"), "application/geo+json") {
			w.Header().Add("Content-Type", "application/geo+json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(NewFeatureCollectionWithDevices(devices))
			return
		}

		writeJSON(w, http.StatusOK, ApiResponse{
			Meta: &meta{Count: uint64(len(devices))},
			Data: devices,
		})
	}
}

func patchDeviceHandler(log zerolog.Logger, dir directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "patch-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		deviceID := chi.URLParam(r, "deviceID")
		user := currentUser(r)

		if err = requireOwnership(ctx, dir, user, deviceID); err != nil {
			writeError(w, r, err)
			return
		}

		info := directory.DeviceInfo{}
		if err = decode(r, &info); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if !user.IsAdmin() {
			info.DataSource = nil
		}

		d, err := dir.UpdateDeviceInfo(ctx, deviceID, info)
		if err != nil {
			requestLogger.Error().Err(err).Str("deviceID", deviceID).Msg("unable to update device")
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, d)
	}
}

func fallHistoryHandler(log zerolog.Logger, dir directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "get-fall-history")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		deviceID := chi.URLParam(r, "deviceID")

		if err = requireOwnership(ctx, dir, currentUser(r), deviceID); err != nil {
			writeError(w, r, err)
			return
		}

		history, err := dir.FallHistory(ctx, deviceID)
		if err != nil {
			requestLogger.Error().Err(err).Str("deviceID", deviceID).Msg("unable to fetch fall history")
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, ApiResponse{
			Meta: &meta{Count: uint64(len(history))},
			Data: history,
		})
	}
}

func getAlertsHandler(log zerolog.Logger, dir directory.Directory, alerts fallalert.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "get-alerts")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		response := struct {
			Alerts  []fallalert.Status `json:"alerts"`
			Banners []fallalert.Banner `json:"banners"`
		}{[]fallalert.Status{}, []fallalert.Banner{}}

		user := currentUser(r)

		if user.IsAdmin() {
			response.Alerts = alerts.Statuses()
			response.Banners = alerts.Banners()
		} else {
			var ids []string
			ids, err = ownedDeviceIDs(ctx, dir, user)
			if err != nil {
				requestLogger.Error().Err(err).Msg("unable to fetch devices")
				writeError(w, r, err)
				return
			}

			if len(ids) > 0 {
				response.Alerts = alerts.Statuses(ids...)
				response.Banners = alerts.Banners(ids...)
			}
		}

		writeJSON(w, http.StatusOK, response)
	}
}

func acknowledgeHandler(log zerolog.Logger, dir directory.Directory, alerts fallalert.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "acknowledge-alert")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		deviceID := chi.URLParam(r, "deviceID")

		if err = requireOwnership(ctx, dir, currentUser(r), deviceID); err != nil {
			writeError(w, r, err)
			return
		}

		if err = alerts.Acknowledge(ctx, deviceID); err != nil {
			requestLogger.Info().Err(err).Str("deviceID", deviceID).Msg("unable to acknowledge alert")
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, alerts.Status(deviceID))
	}
}

func dismissBannerHandler(log zerolog.Logger, dir directory.Directory, alerts fallalert.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "dismiss-banner")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		bannerID := chi.URLParam(r, "bannerID")
		user := currentUser(r)

		if !user.IsAdmin() {
			var ids []string
			ids, err = ownedDeviceIDs(ctx, dir, user)
			if err != nil {
				writeError(w, r, err)
				return
			}

			visible := len(ids) > 0 && lo.ContainsBy(alerts.Banners(ids...), func(b fallalert.Banner) bool {
				return b.ID == bannerID
			})
			if !visible {
				err = fallalert.ErrUnknownBanner
				writeError(w, r, err)
				return
			}
		}

		if err = alerts.DismissBanner(bannerID); err != nil {
			requestLogger.Info().Err(err).Str("bannerID", bannerID).Msg("unable to dismiss banner")
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func registerTokenHandler(log zerolog.Logger, tokens push.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "register-push-token")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		req := tokenRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if err = tokens.Register(ctx, currentUser(r).ID, req.Token); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func unregisterTokenHandler(log zerolog.Logger, tokens push.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "unregister-push-token")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, _ = logging.WithSpan(ctx, span, log)

		if err = tokens.Unregister(ctx, chi.URLParam(r, "token")); err != nil {
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func queryGuardiansHandler(log zerolog.Logger, dir directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "query-guardians")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		guardians, err := dir.Guardians(ctx)
		if err != nil {
			requestLogger.Error().Err(err).Msg("unable to fetch guardians")
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusOK, ApiResponse{
			Meta: &meta{Count: uint64(len(guardians))},
			Data: guardians,
		})
	}
}

func createGuardianHandler(log zerolog.Logger, dir directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "create-guardian")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		req := guardianRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		user, err := dir.AddGuardian(ctx, directory.Profile{Email: req.Email, Name: req.Name, Phone: req.Phone}, req.Password)
		if err != nil {
			requestLogger.Info().Err(err).Msg("unable to create guardian")
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, user)
	}
}

func deleteGuardianHandler(log zerolog.Logger, dir directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "delete-guardian")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		guardianID := chi.URLParam(r, "guardianID")

		if err = dir.RemoveGuardian(ctx, guardianID); err != nil {
			requestLogger.Error().Err(err).Str("guardianID", guardianID).Msg("unable to remove guardian")
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func createDeviceHandler(log zerolog.Logger, dir directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "create-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		req := deviceRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		d, err := dir.AddDevice(ctx, req.ID, req.DataSource)
		if err != nil {
			requestLogger.Info().Err(err).Str("deviceID", req.ID).Msg("unable to create device")
			writeError(w, r, err)
			return
		}

		writeJSON(w, http.StatusCreated, d)
	}
}

func deleteDeviceHandler(log zerolog.Logger, dir directory.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error

		ctx, span := tracer.Start(r.Context(), "delete-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		deviceID := chi.URLParam(r, "deviceID")

		if err = dir.RemoveDevice(ctx, deviceID); err != nil {
			requestLogger.Error().Err(err).Str("deviceID", deviceID).Msg("unable to remove device")
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func linkDeviceHandler(log zerolog.Logger, dir directory.Directory, link bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var err error
		defer r.Body.Close()

		ctx, span := tracer.Start(r.Context(), "link-device")
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()
		ctx, requestLogger := logging.WithSpan(ctx, span, log)

		deviceID := chi.URLParam(r, "deviceID")

		req := linkRequest{}
		if err = decode(r, &req); err != nil {
			requestLogger.Error().Err(err).Msg("unable to read body")
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if link {
			err = dir.LinkDevice(ctx, deviceID, req.GuardianID)
		} else {
			err = dir.UnlinkDevice(ctx, deviceID, req.GuardianID)
		}

		if err != nil {
			requestLogger.Error().Err(err).Str("deviceID", deviceID).Str("guardianID", req.GuardianID).Msg("unable to change device link")
			writeError(w, r, err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func unassignedSourcesHandler(mon monitor.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources := mon.UnassignedSources()

		writeJSON(w, http.StatusOK, ApiResponse{
			Meta: &meta{Count: uint64(len(sources))},
			Data: sources,
		})
	}
}

func currentUser(r *http.Request) types.User {
	s, ok := auth.SessionFromContext(r.Context())
	if !ok {
		return types.User{}
	}
	return *s.User
}

// requireOwnership fails unless the user is an admin or the device is
// assigned to the user.
func requireOwnership(ctx context.Context, dir directory.Directory, user types.User, deviceID string) error {
	d, err := dir.Device(ctx, deviceID)
	if err != nil {
		return err
	}

	if !user.IsAdmin() && d.AssignedTo != user.ID {
		return auth.ErrForbidden
	}

	return nil
}

func ownedDeviceIDs(ctx context.Context, dir directory.Directory, user types.User) ([]string, error) {
	devices, err := dir.DevicesFor(ctx, user.ID)
	if err != nil {
		return nil, err
	}

	return lo.Map(devices, func(d types.Device, _ int) string { return d.ID }), nil
}

func decode(r *http.Request, v any) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)

	body := errorResponse{Error: err.Error()}
	if errors.Is(err, session.ErrProfileMissing) {
		body.Hint = profileMissingHint
	}

	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrTooManyRequests):
		return http.StatusTooManyRequests
	case errors.Is(err, identity.ErrInvalidCredential),
		errors.Is(err, identity.ErrWrongPassword),
		errors.Is(err, identity.ErrUnknown):
		return http.StatusUnauthorized
	case errors.Is(err, session.ErrProfileMissing),
		errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, identity.ErrInvalidEmail),
		errors.Is(err, identity.ErrWeakPassword),
		errors.Is(err, directory.ErrInvalidInput),
		errors.Is(err, push.ErrInvalidToken):
		return http.StatusBadRequest
	case errors.Is(err, directory.ErrDuplicateEmail),
		errors.Is(err, directory.ErrAlreadyExists),
		errors.Is(err, fallalert.ErrNoActiveAlert):
		return http.StatusConflict
	case errors.Is(err, directory.ErrNotFound),
		errors.Is(err, fallalert.ErrUnknownBanner):
		return http.StatusNotFound
	case errors.Is(err, directory.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
