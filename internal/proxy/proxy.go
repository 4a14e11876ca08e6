// Package proxy is the thin external collaborator spec.md §6 describes:
// HTTP reverse proxying of request bodies to whatever worker
// Scheduler.AcquireWorker hands back. It is explicitly out of the
// spec's core (§1) but is kept, the way the teacher keeps its own
// director/ModifyResponse/ErrorHandler trio, so the scheduler is usable
// end to end.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"time"

	"github.com/sourcegraph/log"

	"github.com/mcneel/compute-geometry-dispatcher/internal/config"
	"github.com/mcneel/compute-geometry-dispatcher/internal/rhino3d"
)

type acquireErrKey struct{}

// Dispatcher proxies inbound compute requests to a worker acquired from
// the Scheduler, one worker per request.
type Dispatcher struct {
	log       log.Logger
	cfg       *config.Config
	scheduler *rhino3d.Scheduler
}

// New constructs a Dispatcher.
func New(logger log.Logger, cfg *config.Config, scheduler *rhino3d.Scheduler) *Dispatcher {
	return &Dispatcher{log: logger, cfg: cfg, scheduler: scheduler}
}

// Handler returns the reverse proxy HTTP handler.
func (d *Dispatcher) Handler() http.Handler {
	return &httputil.ReverseProxy{
		Director: d.director,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   2000 * time.Millisecond,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		ModifyResponse: d.modifyResponse,
		ErrorHandler:   d.errorHandler,
	}
}

// director acquires a worker and rewrites the request to target it, the
// way the teacher's director rewrites requests to target a pool worker
// pulled from its channel. AcquireWorker failures cannot be returned from
// a Director, so they are stashed on the request context for
// errorHandler to report as a clean 503.
func (d *Dispatcher) director(req *http.Request) {
	timeout := d.cfg.ComputeTimeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	// We cannot cancel this timeout effectively within http.ReverseProxy's
	// Director, same caveat the teacher notes.
	ctx, _ := context.WithTimeout(req.Context(), timeout)

	ep, err := d.scheduler.AcquireWorker(ctx)
	if err != nil {
		*req = *req.WithContext(context.WithValue(ctx, acquireErrKey{}, err))
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("%s:%d", ep.Host, ep.Port)}
	d.log.Debug("dispatching request",
		log.String("url", req.URL.String()),
		log.String("target", target.String()))

	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	req.URL.Path = path.Join(target.Path, req.URL.Path)
	if target.RawQuery == "" || req.URL.RawQuery == "" {
		req.URL.RawQuery = target.RawQuery + req.URL.RawQuery
	} else {
		req.URL.RawQuery = target.RawQuery + "&" + req.URL.RawQuery
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}
	*req = *req.WithContext(ctx)
}

// modifyResponse passes successful responses through unchanged. Unlike
// the teacher, there is no pool slot to release here: busy-ness is
// self-reported by the worker (spec §4.2, §9 "busy query, not busy
// push"), so there is nothing for the dispatcher to hand back.
func (d *Dispatcher) modifyResponse(resp *http.Response) error {
	return nil
}

// errorHandler reports NoWorkerAvailable as a clean service-unavailable
// response, and anything else (the worker having become unreachable
// mid-request, a timeout) as a generic proxy error, matching the error
// shape the teacher returns.
func (d *Dispatcher) errorHandler(rw http.ResponseWriter, r *http.Request, err error) {
	type errBody struct {
		Code        int    `json:"code"`
		Reason      string `json:"reason"`
		Description string `json:"description"`
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusServiceUnavailable)

	if acqErr, ok := r.Context().Value(acquireErrKey{}).(error); ok {
		d.log.Warn("no worker available", log.Error(acqErr))
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"error": errBody{
				Code:        http.StatusServiceUnavailable,
				Reason:      "no_worker_available",
				Description: acqErr.Error(),
			},
		})
		return
	}

	reason := "worker_unreachable"
	if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		reason = "worker_timeout"
	}

	d.log.Error("proxy error", log.Error(err))
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"error": errBody{
			Code:        http.StatusServiceUnavailable,
			Reason:      reason,
			Description: err.Error(),
		},
	})
}
