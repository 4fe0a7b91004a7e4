package httpx

import (
	"net/http"
	"net/http/httptest"
)

// TestServer runs an httptest.Server over a handler set for use in tests.
type TestServer struct {
	*httptest.Server
}

// NewTestServer starts a TestServer serving the given handler. The caller
// owns the server and must Close it.
func NewTestServer(handler http.Handler) *TestServer {
	return &TestServer{Server: httptest.NewServer(handler)}
}

// NewEchoTestServer starts a TestServer serving a configured Echo
// instance. Returns nil when e is nil.
func NewEchoTestServer(e *Echo) *TestServer {
	if e == nil {
		return nil
	}
	return NewTestServer(e.Echo)
}
