package httpmw

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/keithlinneman/sitekit/internal/log"
	"github.com/keithlinneman/sitekit/internal/xerrors"
)

const internalErrorBody = "<h1>Error: 500 (Internal Server Error)</h1>"

// Recover turns a handler panic into a 500 and an error log. onPanic, when
// set, is called once per recovered panic (metrics hook).
// http.ErrAbortHandler is re-panicked so net/http can drop the connection.
func Recover(logger log.Logger, onPanic func()) Middleware {
	logger = log.OrNop(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}

				err, ok := rec.(error)
				if !ok {
					err = fmt.Errorf("%v", rec)
				}
				logger.Error(r.Context(), xerrors.WithStack(err), "panic serving request",
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"request_id", RequestIDFromContext(r.Context()),
					"stack", string(debug.Stack()),
				)

				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(internalErrorBody))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
