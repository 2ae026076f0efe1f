package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_exposesRegisteredMetrics(t *testing.T) {
	PCMGaps.WithLabelValues("chan-1").Inc()
	GapReporterNACKs.WithLabelValues("chan-1").Add(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "vqec_pcm_gaps_total") {
		t.Fatal("response missing vqec_pcm_gaps_total")
	}
	if !strings.Contains(body, "vqec_gapreport_generic_nack_total") {
		t.Fatal("response missing vqec_gapreport_generic_nack_total")
	}
}
