package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordProgressWrite(t *testing.T) {
	okBefore := testutil.ToFloat64(ProgressWritesTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(ProgressWritesTotal.WithLabelValues("error"))

	RecordProgressWrite(nil)
	RecordProgressWrite(errors.New("boom"))
	RecordProgressWrite(errors.New("boom"))

	if got := testutil.ToFloat64(ProgressWritesTotal.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Fatalf("expected 1 ok write, got %v", got)
	}
	if got := testutil.ToFloat64(ProgressWritesTotal.WithLabelValues("error")) - errBefore; got != 2 {
		t.Fatalf("expected 2 failed writes, got %v", got)
	}
}

func TestRecordRecovery_Labels(t *testing.T) {
	before := testutil.ToFloat64(EngineRecoveriesTotal.WithLabelValues("network", "failed"))
	RecordRecovery("network", false)
	if got := testutil.ToFloat64(EngineRecoveriesTotal.WithLabelValues("network", "failed")) - before; got != 1 {
		t.Fatalf("expected one failed network recovery, got %v", got)
	}
}

func TestSetSessionActive(t *testing.T) {
	SetSessionActive(true)
	if testutil.ToFloat64(SessionActive) != 1 {
		t.Fatal("expected gauge 1")
	}
	SetSessionActive(false)
	if testutil.ToFloat64(SessionActive) != 0 {
		t.Fatal("expected gauge 0")
	}
}
