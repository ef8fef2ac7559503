package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"accountmarket/ledger"
)

type contextKey string

const ctxKeyActor contextKey = "actor"

var errMissingActor = errors.New("httpapi: missing actor")

// WithActor stores the authenticated caller on ctx.
func WithActor(ctx context.Context, actor ledger.Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, actor)
}

// ActorFrom returns the caller stored by the auth middleware.
func ActorFrom(ctx context.Context) (ledger.Actor, error) {
	actor, ok := ctx.Value(ctxKeyActor).(ledger.Actor)
	if !ok || actor.ID == "" {
		return ledger.Actor{}, errMissingActor
	}
	return actor, nil
}

// authenticate resolves the bearer token into an actor.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" || s.auth == nil {
			writeProblem(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
			return
		}
		actor, err := s.auth.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeProblem(w, http.StatusUnauthorized, "unauthenticated", "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		level := slog.LevelInfo
		if ww.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.Log(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
			slog.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}
