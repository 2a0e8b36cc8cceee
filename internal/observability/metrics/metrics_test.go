package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherCounter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if !matchLabels(metric, labels) {
				continue
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func matchLabels(metric *dto.Metric, want map[string]string) bool {
	have := map[string]string{}
	for _, lp := range metric.GetLabel() {
		have[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func TestJobMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewJobMetrics(reg)

	m.ObserveProcessed("sms-waves", "completed")
	m.ObserveProcessed("sms-waves", "completed")
	m.ObserveProcessed("sms-waves", "failed")
	m.ObserveStalled("outbound-calls")
	m.ObserveHandler("sms-waves", 0.25)

	got := gatherCounter(t, reg, "escalation_jobs_processed_total", map[string]string{
		"queue": "sms-waves", "outcome": "completed",
	})
	if got != 2 {
		t.Fatalf("expected 2 completed, got %v", got)
	}
	got = gatherCounter(t, reg, "escalation_jobs_stalled_total", map[string]string{
		"queue": "outbound-calls",
	})
	if got != 1 {
		t.Fatalf("expected 1 stalled, got %v", got)
	}
}

func TestEscalationMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewEscalationMetrics(reg)

	m.ObserveWave("1")
	m.ObserveOffer("declined")
	m.ObserveAccept("sms", "accepted")
	m.ObserveAccept("dtmf", "already_assigned")
	m.ObserveEvent("shift_filled")

	got := gatherCounter(t, reg, "escalation_cascade_accepts_total", map[string]string{
		"source": "dtmf", "result": "already_assigned",
	})
	if got != 1 {
		t.Fatalf("expected 1 dtmf already_assigned, got %v", got)
	}
}

func TestCallMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCallMetrics(reg)

	m.ObserveWebhookLatency("voice", 0.1)
	m.MediaSessionStarted()
	m.MediaSessionEnded()
	m.ObserveAudioUpload("uploaded")
	m.ObserveTTS("hit")
	m.ObserveTransfer("completed")
}

func TestMetricsNilSafe(t *testing.T) {
	var jm *JobMetrics
	jm.ObserveProcessed("q", "completed")
	jm.ObserveStalled("q")
	jm.ObserveHandler("q", 0.1)

	var em *EscalationMetrics
	em.ObserveWave("1")
	em.ObserveOffer("accepted")
	em.ObserveAccept("api", "accepted")
	em.ObserveEvent("call_started")

	var cm *CallMetrics
	cm.ObserveWebhookLatency("sms", 0.1)
	cm.MediaSessionStarted()
	cm.MediaSessionEnded()
	cm.ObserveAudioUpload("failed")
	cm.ObserveTTS("miss")
	cm.ObserveTransfer("parked")
}
