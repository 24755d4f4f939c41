package mux

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"grape/pkg/metrics"
)

type HandlerFunc func(rw ResponseWriter, req *http.Request)

// ServeMux routes requests like http.ServeMux while recording the status,
// size and outcome of every response.
type ServeMux struct {
	mux *http.ServeMux
	log logr.Logger
}

func NewServeMux(log logr.Logger) *ServeMux {
	return &ServeMux{
		mux: http.NewServeMux(),
		log: log,
	}
}

func (s *ServeMux) Handle(pattern string, handler HandlerFunc) {
	s.mux.HandleFunc(pattern, func(rw http.ResponseWriter, req *http.Request) {
		handler(rw.(ResponseWriter), req)
	})
}

func (s *ServeMux) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	start := time.Now()
	h := &response{ResponseWriter: rw}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error(nil, "recovered from panic in handler", "panic", p, "path", req.URL.Path)
			if !h.writtenHeader {
				h.WriteHeader(http.StatusInternalServerError)
			}
		}

		handler := h.handler
		if handler == "" {
			handler = "unhandled"
		}
		code := strconv.Itoa(h.Status())
		metrics.HTTPRequestsTotal.WithLabelValues(handler, req.Method, code).Inc()
		metrics.HTTPResponseSizeHistogram.WithLabelValues(handler).Observe(float64(h.Size()))

		kvs := []any{
			"path", req.URL.Path,
			"method", req.Method,
			"status", h.Status(),
			"handler", handler,
			"size", h.Size(),
			"duration", time.Since(start).String(),
		}
		if h.Error() != nil {
			s.log.Error(h.Error(), "", kvs...)
			return
		}
		s.log.V(4).Info("", kvs...)
	}()
	s.mux.ServeHTTP(h, req)
}
