package pprof

import (
	"context"
	"expvar"
	"net"
	"net/http"
	"net/http/pprof"
	"os"

	"reprun.io/reprun/pkg/log"
)

// newHandler avoids the default mux so nothing else registers itself on the
// debug endpoint.
func newHandler() http.Handler {
	m := http.NewServeMux()
	m.Handle("/debug/vars", expvar.Handler())
	m.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	m.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	m.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	m.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	m.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))
	return m
}

func Run(ctx context.Context) error {
	port := os.Getenv("REPRUN_PPROF_PORT")
	if port == "" {
		port = ":6060"
	}
	server := http.Server{
		Addr:    port,
		Handler: newHandler(),
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}
	log := log.FromContextOrDiscard(ctx)

	go func() {
		<-ctx.Done()
		_ = server.Shutdown(ctx)
		log.Info("pprof stopped")
	}()
	log.Info("debug pprof listen", "addr", server.Addr)
	return server.ListenAndServe()
}
