package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/probehub/internal/api/response"
)

// Recovery turns a handler panic into a 500 response and logs the stack together with the
// caller's partition when the identity was already resolved. http.ErrAbortHandler is
// re-raised so net/http can drop the connection.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}
			attrs := []any{
				"error", err,
				"stack", string(debug.Stack()),
				"method", r.Method,
				"path", r.URL.Path,
			}
			if info := requestInfoFrom(r.Context()); info != nil && info.partition != "" {
				attrs = append(attrs, "partition", info.partition.String())
			}
			slog.Error("panic recovered", attrs...)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
