package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeConn struct{ up bool }

func (f *fakeConn) Connected() bool { return f.up }

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	status := hc.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestHealthChecker_DegradedWins(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	hc.AddCheck("meh", func() CheckResult { return CheckResult{Status: "degraded"} })
	if got := hc.CheckHealth().Status; got != "degraded" {
		t.Fatalf("expected degraded, got %q", got)
	}
}

func TestHTTPServiceHealthCheck(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer s.Close()
	res := HTTPServiceHealthCheck("svc", s.URL)()
	if res.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestControlChannelHealthCheck(t *testing.T) {
	if res := ControlChannelHealthCheck(nil)(); res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy for nil channel, got %q", res.Status)
	}
	if res := ControlChannelHealthCheck(&fakeConn{up: false})(); res.Status != "degraded" {
		t.Fatalf("expected degraded while reconnecting, got %q", res.Status)
	}
	if res := ControlChannelHealthCheck(&fakeConn{up: true})(); res.Status != "healthy" {
		t.Fatalf("expected healthy, got %q", res.Status)
	}
}

func TestConfigurationHealthCheck(t *testing.T) {
	res := ConfigurationHealthCheck(map[string]string{"A": "set", "B": ""})()
	if res.Status != "unhealthy" {
		t.Fatalf("expected unhealthy for missing config, got %q", res.Status)
	}
}
