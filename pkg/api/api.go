package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"

	"grape/pkg/grape"
	"grape/pkg/mux"
)

const DefaultMaxBodySize = 1 << 20

// Handler executes a typed request with its raw JSON payload.
type Handler interface {
	Handle(ctx context.Context, typ string, data []byte) (any, error)
}

type APIConfig struct {
	Log               logr.Logger
	MaxBodySize       int64
	ReadHeaderTimeout time.Duration
}

func (cfg *APIConfig) Apply(opts ...APIOption) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

type APIOption func(cfg *APIConfig) error

func WithLogger(log logr.Logger) APIOption {
	return func(cfg *APIConfig) error {
		cfg.Log = log
		return nil
	}
}

func WithMaxBodySize(size int64) APIOption {
	return func(cfg *APIConfig) error {
		if size <= 0 {
			return fmt.Errorf("max body size must be positive, got %d", size)
		}
		cfg.MaxBodySize = size
		return nil
	}
}

func WithReadHeaderTimeout(timeout time.Duration) APIOption {
	return func(cfg *APIConfig) error {
		cfg.ReadHeaderTimeout = timeout
		return nil
	}
}

// API exposes a Handler as POST /<type> endpoints taking {"data": ...} bodies.
// Every request is answered with status 200; failures are reported as the
// JSON encoded error code.
type API struct {
	log               logr.Logger
	handler           Handler
	maxBodySize       int64
	readHeaderTimeout time.Duration
}

type request struct {
	Data json.RawMessage `json:"data"`
}

func NewAPI(handler Handler, opts ...APIOption) (*API, error) {
	cfg := APIConfig{
		Log:               logr.Discard(),
		MaxBodySize:       DefaultMaxBodySize,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := cfg.Apply(opts...)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("api requires a request handler")
	}
	return &API{
		log:               cfg.Log,
		handler:           handler,
		maxBodySize:       cfg.MaxBodySize,
		readHeaderTimeout: cfg.ReadHeaderTimeout,
	}, nil
}

func (a *API) Handler() http.Handler {
	m := mux.NewServeMux(a.log)
	m.Handle("POST /{type...}", a.requestHandler)
	return m
}

func (a *API) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.readHeaderTimeout,
	}
}

func (a *API) requestHandler(rw mux.ResponseWriter, req *http.Request) {
	typ := req.PathValue("type")
	rw.SetHandler(handlerName(typ))

	body := request{}
	err := json.NewDecoder(http.MaxBytesReader(rw, req.Body, a.maxBodySize)).Decode(&body)
	if err != nil {
		a.log.V(4).Info("could not decode request body", "type", typ, "error", err)
		a.writeResult(rw, nil, grape.ErrGeneric)
		return
	}
	res, err := a.handler.Handle(req.Context(), typ, body.Data)
	a.writeResult(rw, res, err)
}

func (a *API) writeResult(rw mux.ResponseWriter, res any, err error) {
	var payload any = res
	if err != nil {
		payload = err.Error()
	}
	b, err := json.Marshal(payload)
	if err != nil {
		a.log.Error(err, "could not encode response")
		b, _ = json.Marshal(grape.ErrGeneric.Error())
	}
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_, err = rw.Write(b)
	if err != nil {
		a.log.V(4).Info("could not write response", "error", err)
	}
}

func handlerName(typ string) string {
	switch typ {
	case grape.TypeLookup, grape.TypeAnnounce, grape.TypePut, grape.TypeGet:
		return typ
	default:
		return "unknown"
	}
}
