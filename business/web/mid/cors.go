package mid

import (
	"context"
	"net/http"
	"strings"

	"github.com/ardanlabs/utxonode/foundation/web"
)

// Cors sets the response headers needed for Cross-Origin Resource Sharing.
// The node only serves reads and transaction submission, so only GET, POST
// and OPTIONS are offered. An origin of "*" allows every caller, otherwise
// the request origin is echoed back when it is in the list.
func Cors(origins ...string) web.Middleware {
	allowAll := len(origins) == 0
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}

	m := func(handler web.Handler) web.Handler {
		h := func(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
			origin := r.Header.Get("Origin")

			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")

			case origin != "":
				w.Header().Add("Vary", "Origin")
				if _, ok := allowed[strings.ToLower(origin)]; !ok {
					return handler(ctx, w, r)
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)

			default:
				return handler(ctx, w, r)
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Origin, Accept, Content-Type, Content-Length, Accept-Encoding")
			w.Header().Set("Access-Control-Max-Age", "86400")

			return handler(ctx, w, r)
		}

		return h
	}

	return m
}
