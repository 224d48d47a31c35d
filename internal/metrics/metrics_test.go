package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)

	MergesTotal.WithLabelValues("success").Inc()
	JobsRunning.Set(1)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, want := range []string{"epgmerge_merges_total", "epgmerge_jobs_running"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

func TestRegister_duplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on double registration")
		}
	}()
	Register(reg)
}
