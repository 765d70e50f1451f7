package api

import (
	"fmt"
	"net/http"
)

// errorHandler turns a panicking handler into a 500 and closes the connection.
func (s *App) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}

			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("%v", rec)
			}

			s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("recovered from panic")
			w.Header().Set("Connection", "close")
			s.writeError(w, NewInternalServerError(err))
		}()

		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller from a JWT and stores the user id in the
// request context.
func (s *App) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, err := tokenFromRequest(r)
		if err == nil {
			var userId string
			if userId, err = s.extractUserIdFromToken(raw); err == nil {
				w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
				next(w, r.WithContext(WithUserId(r.Context(), userId)))
				return
			}
		}

		s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("unauthenticated request")
		s.writeError(w, NewUnauthorizedError())
	}
}
