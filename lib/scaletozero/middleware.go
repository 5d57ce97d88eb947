package scaletozero

import (
	"context"
	"net"
	"net/http"

	"github.com/onkernel/camrec/lib/logger"
)

// Middleware holds scale-to-zero off for the duration of each request that
// comes from outside the instance. Loopback traffic (health probes, the local
// capture page) does not keep the instance awake.
func Middleware(ctrl Controller) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isLoopbackAddr(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}
			if err := ctrl.Disable(r.Context()); err != nil {
				logger.FromContext(r.Context()).Error("failed to disable scale-to-zero", "err", err)
				http.Error(w, "failed to disable scale-to-zero", http.StatusInternalServerError)
				return
			}
			defer ctrl.Enable(context.WithoutCancel(r.Context()))

			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
