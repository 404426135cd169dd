package transport

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler interface {
	create(w http.ResponseWriter, r *http.Request)
	list(w http.ResponseWriter, r *http.Request)
	get(w http.ResponseWriter, r *http.Request)
	upload(w http.ResponseWriter, r *http.Request)
	cancel(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h        Handler
	gatherer prometheus.Gatherer
}

func NewRouter(h Handler, gatherer prometheus.Gatherer) *router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &router{h: h, gatherer: gatherer}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("POST /submissions", r.h.create)
	mux.HandleFunc("GET /submissions", r.h.list)
	mux.HandleFunc("GET /submissions/{id}", r.h.get)
	mux.HandleFunc("POST /submissions/{id}/upload", r.h.upload)
	mux.HandleFunc("POST /submissions/{id}/cancel", r.h.cancel)
	mux.Handle("GET /metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Handler returns the mounted routes wrapped in the logging and recovery
// middleware.
func (r *router) Handler() http.Handler {
	return WithRecover(LogMiddleware(r.MountRoutes(http.NewServeMux())))
}
