package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sourcegraph/log/logtest"

	"github.com/mcneel/compute-geometry-dispatcher/internal/config"
	"github.com/mcneel/compute-geometry-dispatcher/internal/rhino3d"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return &Dispatcher{
		log: logtest.Scoped(t),
		cfg: &config.Config{},
	}
}

type errBody struct {
	Error struct {
		Code        int    `json:"code"`
		Reason      string `json:"reason"`
		Description string `json:"description"`
	} `json:"error"`
}

func TestErrorHandlerNoWorkerAvailable(t *testing.T) {
	d := newTestDispatcher(t)

	req := httptest.NewRequest("POST", "/grasshopper", nil)
	ctx := context.WithValue(req.Context(), acquireErrKey{}, rhino3d.ErrNoWorkerAvailable)
	req = req.WithContext(ctx)
	rw := httptest.NewRecorder()

	d.errorHandler(rw, req, rhino3d.ErrNoWorkerAvailable)

	if rw.Code != 503 {
		t.Fatalf("status = %d, want 503", rw.Code)
	}
	var body errBody
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	if body.Error.Reason != "no_worker_available" {
		t.Fatalf("reason = %s, want no_worker_available", body.Error.Reason)
	}
}

func TestErrorHandlerTimeout(t *testing.T) {
	d := newTestDispatcher(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	req := httptest.NewRequest("POST", "/grasshopper", nil).WithContext(ctx)
	rw := httptest.NewRecorder()

	d.errorHandler(rw, req, errors.New("dial tcp: i/o timeout"))

	var body errBody
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	if body.Error.Reason != "worker_timeout" {
		t.Fatalf("reason = %s, want worker_timeout", body.Error.Reason)
	}
}

func TestErrorHandlerGenericUnreachable(t *testing.T) {
	d := newTestDispatcher(t)

	req := httptest.NewRequest("POST", "/grasshopper", nil)
	rw := httptest.NewRecorder()

	d.errorHandler(rw, req, errors.New("connection refused"))

	var body errBody
	if err := json.Unmarshal(rw.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
	if body.Error.Reason != "worker_unreachable" {
		t.Fatalf("reason = %s, want worker_unreachable", body.Error.Reason)
	}
}

func TestModifyResponseIsNoOp(t *testing.T) {
	d := newTestDispatcher(t)
	resp := httptest.NewRecorder().Result()
	if err := d.modifyResponse(resp); err != nil {
		t.Fatalf("modifyResponse: %v", err)
	}
}
