package rhino3d

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newFixedPortServer starts an httptest.Server bound to a specific port,
// so ProbeClient (which always dials localhost:port) can reach it.
func newFixedPortServer(t *testing.T, port int, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", port))
	if err != nil {
		t.Skipf("could not bind localhost:%d: %v", port, err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener.Close()
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeReadySuccess(t *testing.T) {
	port := portRangeStart + 10
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	newFixedPortServer(t, port, mux)

	p := NewProbeClient()
	if !p.ProbeReady(context.Background(), port) {
		t.Fatalf("ProbeReady() = false, want true")
	}
}

func TestProbeReadyNonReachable(t *testing.T) {
	p := NewProbeClient()
	if p.ProbeReady(context.Background(), portRangeStart+11) {
		t.Fatalf("ProbeReady() = true for a port nothing is listening on")
	}
}

func TestProbeBusyStates(t *testing.T) {
	tests := []struct {
		name string
		body string
		want BusyState
	}{
		{"free", "0", Free},
		{"busy", "3", Busy},
		{"garbage", "nope", Unreachable},
		{"negative", "-1", Unreachable},
	}

	for i, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			port := portRangeStart + 20 + i
			mux := http.NewServeMux()
			mux.HandleFunc("/isbusy", func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			})
			newFixedPortServer(t, port, mux)

			p := NewProbeClient()
			got := p.ProbeBusy(context.Background(), port)
			if got != tt.want {
				t.Fatalf("ProbeBusy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestProbeBusyUnreachable(t *testing.T) {
	p := NewProbeClient()
	got := p.ProbeBusy(context.Background(), portRangeStart+30)
	if got != Unreachable {
		t.Fatalf("ProbeBusy() on an unreachable port = %v, want Unreachable", got)
	}
}

func TestTCPOpen(t *testing.T) {
	port := portRangeStart + 40
	newFixedPortServer(t, port, http.NewServeMux())

	p := NewProbeClient()
	if !p.TCPOpen(port, 200*time.Millisecond) {
		t.Fatalf("TCPOpen() = false, want true")
	}
	if p.TCPOpen(portRangeStart+41, 200*time.Millisecond) {
		t.Fatalf("TCPOpen() = true for a port nothing is listening on")
	}
}
