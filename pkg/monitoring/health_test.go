package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("dailystake", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	status := hc.CheckHealth()
	if status.Status != StatusHealthy {
		t.Fatalf("expected healthy")
	}
}

func TestHealthChecker_UnhealthyWins(t *testing.T) {
	hc := NewHealthChecker("dailystake", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("bad", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy, got %s", got)
	}
}

func TestHTTPServiceHealthCheck(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer s.Close()
	res := HTTPServiceHealthCheck("gateway", s.URL)()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy")
	}
}

func TestConfigurationHealthCheck_Missing(t *testing.T) {
	res := ConfigurationHealthCheck(map[string]string{"DATABASE_URL": ""})()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for missing config, got %q", res.Status)
	}
}
