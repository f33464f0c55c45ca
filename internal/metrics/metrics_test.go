package metrics

import (
	"errors"
	"io"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheus_Verification(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)

	p.Verification("signed-authorization", "eip155:84532", "", 20*time.Millisecond)
	p.Verification("signed-authorization", "eip155:84532", "", 30*time.Millisecond)
	p.Verification("signed-authorization", "eip155:84532", "NONCE_REUSED", time.Millisecond)

	accepted := testutil.ToFloat64(p.verifications.WithLabelValues("signed-authorization", "eip155:84532", "accepted"))
	if accepted != 2 {
		t.Errorf("accepted: got %v want 2", accepted)
	}
	reused := testutil.ToFloat64(p.verifications.WithLabelValues("signed-authorization", "eip155:84532", "NONCE_REUSED"))
	if reused != 1 {
		t.Errorf("NONCE_REUSED: got %v want 1", reused)
	}
}

func TestHandler_ExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg)
	p.Settlement(SettlementRecorded)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `x402_settlements_total{outcome="recorded"} 1`) {
		t.Errorf("settlement counter missing from:\n%s", body)
	}
}

func TestRegisterQueueDepth(t *testing.T) {
	reg := prometheus.NewRegistry()
	var depth int64 = 3
	var readErr error
	RegisterQueueDepth(reg, func() (int64, error) { return depth, readErr })

	gather := func() float64 {
		t.Helper()
		families, err := reg.Gather()
		if err != nil {
			t.Fatal(err)
		}
		for _, f := range families {
			if f.GetName() == "x402_settlement_queue_depth" {
				return f.GetMetric()[0].GetGauge().GetValue()
			}
		}
		t.Fatal("queue depth gauge not registered")
		return 0
	}

	if got := gather(); got != 3 {
		t.Errorf("depth: got %v want 3", got)
	}
	depth = 7
	if got := gather(); got != 7 {
		t.Errorf("depth after growth: got %v want 7", got)
	}
	readErr = errors.New("redis down")
	if got := gather(); !math.IsNaN(got) {
		t.Errorf("failed read: got %v want NaN", got)
	}
}
