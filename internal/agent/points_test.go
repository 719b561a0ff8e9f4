package agent

import (
	"math"
	"testing"

	"github.com/guardant/guardant/internal/model"
)

func upResult(rtt float64) model.ProbeResult {
	return model.ProbeResult{Status: model.StatusUp, RTTMs: rtt}
}

func TestLedgerAwardBaseAndMultiplier(t *testing.T) {
	l := &Ledger{}

	l.Award(model.ServiceTypeWeb, upResult(100), false)
	l.Award(model.ServiceTypeKeyword, upResult(200), false)
	l.Award(model.ServiceTypePing, upResult(50), false)

	var hb model.Heartbeat
	l.Snapshot(&hb)
	if hb.ChecksOK != 3 {
		t.Fatalf("ChecksOK = %d, want 3", hb.ChecksOK)
	}
	want := 1.0 + 1.2 + 0.5
	if math.Abs(hb.TotalPoints-want) > 1e-9 {
		t.Fatalf("TotalPoints = %v, want %v", hb.TotalPoints, want)
	}
	if hb.CurrentPeriodPoints != hb.TotalPoints {
		t.Fatalf("period %v != total %v", hb.CurrentPeriodPoints, hb.TotalPoints)
	}
}

func TestLedgerFirstInRegionBonus(t *testing.T) {
	l := &Ledger{}
	l.Award(model.ServiceTypeTCP, upResult(10), true)

	var hb model.Heartbeat
	l.Snapshot(&hb)
	if math.Abs(hb.TotalPoints-1.3) > 1e-9 {
		t.Fatalf("TotalPoints = %v, want 1.3", hb.TotalPoints)
	}
}

func TestLedgerFailuresEarnNothing(t *testing.T) {
	l := &Ledger{}
	l.Award(model.ServiceTypeWeb, model.ProbeResult{Status: model.StatusDown, RTTMs: 30}, true)
	l.Award(model.ServiceTypeWeb, model.ProbeResult{Status: model.StatusDegraded, RTTMs: 900}, false)

	var hb model.Heartbeat
	l.Snapshot(&hb)
	if hb.TotalPoints != 0 {
		t.Fatalf("TotalPoints = %v, want 0", hb.TotalPoints)
	}
	if hb.ChecksOK != 0 || hb.ChecksFail != 2 {
		t.Fatalf("counters = %d ok / %d fail, want 0/2", hb.ChecksOK, hb.ChecksFail)
	}
	// Failed probes still contribute to the RTT average.
	if got := l.AvgRTMs(); math.Abs(got-465) > 1e-9 {
		t.Fatalf("AvgRTMs = %v, want 465", got)
	}
}

func TestLedgerUnknownTypeDefaultsToBase(t *testing.T) {
	l := &Ledger{}
	l.Award(model.ServiceType("exotic"), upResult(1), false)

	var hb model.Heartbeat
	l.Snapshot(&hb)
	if math.Abs(hb.TotalPoints-1.0) > 1e-9 {
		t.Fatalf("TotalPoints = %v, want 1.0", hb.TotalPoints)
	}
}

func TestLedgerResetPeriodKeepsLifetimeTotal(t *testing.T) {
	l := &Ledger{}
	l.Award(model.ServiceTypeWeb, upResult(10), false)
	l.Award(model.ServiceTypeWeb, upResult(10), false)

	l.ResetPeriod()
	l.Award(model.ServiceTypeWeb, upResult(10), false)

	var hb model.Heartbeat
	l.Snapshot(&hb)
	if math.Abs(hb.TotalPoints-3.0) > 1e-9 {
		t.Fatalf("TotalPoints = %v, want 3.0", hb.TotalPoints)
	}
	if math.Abs(hb.CurrentPeriodPoints-1.0) > 1e-9 {
		t.Fatalf("CurrentPeriodPoints = %v, want 1.0", hb.CurrentPeriodPoints)
	}
}

func TestLedgerAvgRTTSkipsZeroSamples(t *testing.T) {
	l := &Ledger{}
	if got := l.AvgRTMs(); got != 0 {
		t.Fatalf("empty AvgRTMs = %v, want 0", got)
	}
	l.Award(model.ServiceTypePing, model.ProbeResult{Status: model.StatusUp}, false)
	l.Award(model.ServiceTypePing, upResult(40), false)
	if got := l.AvgRTMs(); math.Abs(got-40) > 1e-9 {
		t.Fatalf("AvgRTMs = %v, want 40", got)
	}

	var hb model.Heartbeat
	l.Snapshot(&hb)
	if math.Abs(hb.AvgRTMs-40) > 1e-9 {
		t.Fatalf("snapshot AvgRTMs = %v, want 40", hb.AvgRTMs)
	}
}
