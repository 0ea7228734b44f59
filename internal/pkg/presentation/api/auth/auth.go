package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/jwtauth/v5"
	"github.com/open-policy-agent/opa/rego"
	"github.com/smartstick/guardian-monitor/internal/pkg/application/session"
	"github.com/smartstick/guardian-monitor/internal/pkg/infrastructure/logging"
	"go.opentelemetry.io/otel"
)

type sessionContextKey struct{ name string }

var sessionCtxKey = &sessionContextKey{"session"}

var tracer = otel.Tracer("guardian-monitor/authz")

type Scope string

const (
	ScopeGuardian Scope = "guardian"
	ScopeAdmin    Scope = "admin"
)

type Enticator interface {
	RequireAccess(scopes ...Scope) func(http.Handler) http.Handler
}

// ErrorWriter renders authentication failures, so that they look like every
// other error of the api.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

var ErrForbidden = errors.New("access denied")

type impl struct {
	sessions session.Manager
	query    rego.PreparedEvalQuery
	onError  ErrorWriter
}

func (a *impl) RequireAccess(scopes ...Scope) func(http.Handler) http.Handler {
	requested := make([]string, 0, len(scopes))
	for _, s := range scopes {
		requested = append(requested, string(s))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var err error

			ctx, span := tracer.Start(r.Context(), "check-auth")
			defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

			logger := logging.GetLoggerFromContext(ctx)

			// EventSource clients cannot set headers and pass the token as ?jwt=
			token := jwtauth.TokenFromHeader(r)
			if token == "" {
				token = jwtauth.TokenFromQuery(r)
			}

			if token == "" {
				err = errors.New("authorization header missing")
				logger.Info().Msg(err.Error())
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			var s session.Session
			s, err = a.sessions.Authenticate(ctx, token)
			if err != nil {
				logger.Info().Err(err).Msg("authentication failed")
				a.onError(w, r, err)
				return
			}

			input := map[string]any{
				"role":   s.User.Role,
				"scopes": requested,
			}

			results, err := a.query.Eval(ctx, rego.EvalInput(input))
			if err != nil {
				logger.Error().Err(err).Msg("opa eval failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if len(results) == 0 {
				err = errors.New("opa query could not be satisfied")
				logger.Error().Err(err).Msg("auth failed")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			allowed, ok := results[0].Bindings["x"].(bool)
			if !ok {
				err = errors.New("unexpected result type")
				logger.Error().Err(err).Msg("opa error")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !allowed {
				err = ErrForbidden
				logger.Warn().Str("userID", s.User.ID).Strs("scopes", requested).Msg("authorization failed")
				a.onError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}

func NewAuthenticator(ctx context.Context, sessions session.Manager, policies io.Reader, onError ErrorWriter) (Enticator, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	query, err := rego.New(
		rego.Query("x = data.guardian.authz.allow"),
		rego.Module("guardian.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return &impl{sessions: sessions, query: query, onError: onError}, nil
}

func WithSession(ctx context.Context, s session.Session) context.Context {
	return context.WithValue(ctx, sessionCtxKey, s)
}

// SessionFromContext returns the authenticated session of the request. The
// user of a returned session is never nil.
func SessionFromContext(ctx context.Context) (session.Session, bool) {
	s, ok := ctx.Value(sessionCtxKey).(session.Session)
	if !ok || s.User == nil {
		return session.Session{}, false
	}
	return s, true
}
