package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

type stubChecker struct {
	err error
}

func (s stubChecker) Ping(context.Context) error {
	return s.err
}

func serveHealth(t *testing.T, server *Server) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected HTTP 200, got %d", rr.Code)
	}
	return rr
}

func TestHealthHandlerOK(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	server := NewServer(0, stubChecker{}, stubChecker{}, logrus.NewEntry(logger))

	rr := serveHealth(t, server)

	body := strings.TrimSpace(rr.Body.String())
	if body != `{"status":"ok"}` {
		t.Fatalf("unexpected body: %s", body)
	}

	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected content-type application/json, got %s", ct)
	}
}

func TestHealthHandlerNamesFailingDependency(t *testing.T) {
	logger, _ := logtest.NewNullLogger()

	server := NewServer(0, stubChecker{err: errors.New("mongo down")}, stubChecker{}, logrus.NewEntry(logger))
	body := strings.TrimSpace(serveHealth(t, server).Body.String())
	if body != `{"status":"degraded","mongo":"error"}` {
		t.Fatalf("unexpected body: %s", body)
	}

	server = NewServer(0, stubChecker{}, stubChecker{err: errors.New("redis down")}, logrus.NewEntry(logger))
	body = strings.TrimSpace(serveHealth(t, server).Body.String())
	if body != `{"status":"degraded","redis":"error"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestHealthHandlerMissingCheckers(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	server := NewServer(0, nil, nil, logrus.NewEntry(logger))

	body := strings.TrimSpace(serveHealth(t, server).Body.String())
	if body != `{"status":"degraded","mongo":"error","redis":"error"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}
