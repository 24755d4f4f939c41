package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"grape/pkg/cache"
	"grape/pkg/dht"
	"grape/pkg/grape"
	"grape/pkg/timeslot"
)

type handlerFunc func(ctx context.Context, typ string, data []byte) (any, error)

func (f handlerFunc) Handle(ctx context.Context, typ string, data []byte) (any, error) {
	return f(ctx, typ, data)
}

func TestNewAPI(t *testing.T) {
	t.Parallel()

	_, err := NewAPI(nil)
	require.Error(t, err)
	_, err = NewAPI(handlerFunc(nil), WithMaxBodySize(0))
	require.EqualError(t, err, "max body size must be positive, got 0")

	a, err := NewAPI(handlerFunc(nil), WithReadHeaderTimeout(time.Second))
	require.NoError(t, err)
	srv := a.Server(":8080")
	require.Equal(t, ":8080", srv.Addr)
	require.Equal(t, time.Second, srv.ReadHeaderTimeout)
}

func TestRequestHandler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		method       string
		path         string
		body         string
		expectedCode int
		expectedBody string
		expectedType string
		expectedData string
		skipsHandler bool
	}{
		{
			name:         "result",
			method:       http.MethodPost,
			path:         "/lookup",
			body:         `{"data": "foo"}`,
			expectedCode: http.StatusOK,
			expectedBody: `["127.0.0.1:9999"]`,
			expectedType: "lookup",
			expectedData: `"foo"`,
		},
		{
			name:         "error code",
			method:       http.MethodPost,
			path:         "/announce",
			body:         `{"data": ["foo", "bar"]}`,
			expectedCode: http.StatusOK,
			expectedBody: `"ERR_GRAPE_SERVICE_PORT"`,
			expectedType: "announce",
			expectedData: `["foo", "bar"]`,
		},
		{
			name:         "unknown type",
			method:       http.MethodPost,
			path:         "/bogus",
			body:         `{"data": null}`,
			expectedCode: http.StatusOK,
			expectedBody: `"ERR_REQ_NOTFOUND"`,
			expectedType: "bogus",
			expectedData: `null`,
		},
		{
			name:         "empty type",
			method:       http.MethodPost,
			path:         "/",
			body:         `{}`,
			expectedCode: http.StatusOK,
			expectedBody: `"ERR_REQ_NOTFOUND"`,
			expectedType: "",
		},
		{
			name:         "invalid json",
			method:       http.MethodPost,
			path:         "/lookup",
			body:         `{"data": `,
			expectedCode: http.StatusOK,
			expectedBody: `"ERR_GRAPE_GENERIC"`,
			skipsHandler: true,
		},
		{
			name:         "body too large",
			method:       http.MethodPost,
			path:         "/put",
			body:         `{"data": "` + strings.Repeat("a", 128) + `"}`,
			expectedCode: http.StatusOK,
			expectedBody: `"ERR_GRAPE_GENERIC"`,
			skipsHandler: true,
		},
		{
			name:         "method not allowed",
			method:       http.MethodGet,
			path:         "/lookup",
			expectedCode: http.StatusMethodNotAllowed,
			skipsHandler: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var gotType, gotData string
			called := false
			h := handlerFunc(func(ctx context.Context, typ string, data []byte) (any, error) {
				called = true
				gotType = typ
				gotData = string(data)
				switch typ {
				case grape.TypeLookup:
					return []string{"127.0.0.1:9999"}, nil
				case grape.TypeAnnounce:
					return nil, grape.ErrServicePort
				default:
					return nil, grape.ErrReqNotFound
				}
			})
			a, err := NewAPI(h, WithMaxBodySize(64))
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			a.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.expectedCode, rec.Code)
			require.Equal(t, !tt.skipsHandler, called)
			if tt.expectedCode != http.StatusOK {
				return
			}
			require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			require.Equal(t, tt.expectedBody, rec.Body.String())
			if tt.skipsHandler {
				return
			}
			require.Equal(t, tt.expectedType, gotType)
			require.Equal(t, tt.expectedData, gotData)
		})
	}
}

func TestAPIWithDispatcher(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	node := dht.NewMemoryNetwork().NewNode("", nil)
	clk := clock.NewMock()
	clk.Set(time.UnixMilli(12345))
	slotter, err := timeslot.NewSlotter(10*time.Second, timeslot.WithClock(clk))
	require.NoError(t, err)
	peerCache, err := cache.NewPeerCache(21*time.Second, cache.WithClock(clk))
	require.NoError(t, err)
	d, err := grape.NewDispatcher(node, peerCache, slotter)
	require.NoError(t, err)
	node.Subscribe(d.Observe)
	require.NoError(t, node.Listen(ctx, 20001))

	a, err := NewAPI(d)
	require.NoError(t, err)
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	post := func(typ, body string) string {
		t.Helper()
		resp, err := srv.Client().Post(srv.URL+"/"+typ, "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return string(b)
	}

	require.Equal(t, `[]`, post("lookup", `{"data": "foo"}`))
	require.Equal(t, `null`, post("announce", `{"data": ["foo", 9999]}`))
	require.Equal(t, `["127.0.0.1:9999"]`, post("lookup", `{"data": "foo"}`))
	require.Equal(t, `"ERR_GRAPE_LOOKUP"`, post("lookup", `{"data": 1}`))
	require.Equal(t, `"ERR_GRAPE_HASH_FORMAT"`, post("get", `{"data": "xyz"}`))
	require.Equal(t, `"ERR_REQ_NOTFOUND"`, post("bogus", `{"data": "foo"}`))

	id := post("put", `{"data": {"v": "hello"}}`)
	require.Len(t, id, 66)
	require.Contains(t, post("get", `{"data": `+id+`}`), `"v":"hello"`)
}
