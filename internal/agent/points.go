package agent

import (
	"sync"

	"github.com/guardant/guardant/internal/model"
)

// typeMultiplier weights a successful probe's base point by how expensive the
// probe type is to run.
var typeMultiplier = map[model.ServiceType]float64{
	model.ServiceTypeWeb:       1.0,
	model.ServiceTypeKeyword:   1.2,
	model.ServiceTypeTCP:       0.8,
	model.ServiceTypePort:      0.8,
	model.ServiceTypePing:      0.5,
	model.ServiceTypeHeartbeat: 0.5,
	model.ServiceTypeGithub:    1.0,
	model.ServiceTypeUptimeAPI: 1.2,
}

const firstInRegionBonus = 0.5

// Ledger is the worker-authoritative points and check accounting. The
// registry only ever mirrors these numbers from heartbeats.
type Ledger struct {
	mu sync.Mutex

	checksOK     int64
	checksFail   int64
	totalPoints  float64
	periodPoints float64
	rtSumMs      float64
	rtSamples    int64
}

// Award credits one completed probe. Only successful probes earn points;
// firstInRegion marks results for a task this worker was the first in its
// region to deliver.
func (l *Ledger) Award(typ model.ServiceType, res model.ProbeResult, firstInRegion bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if res.RTTMs > 0 {
		l.rtSumMs += res.RTTMs
		l.rtSamples++
	}
	if res.Status != model.StatusUp {
		l.checksFail++
		return
	}
	l.checksOK++

	mult, ok := typeMultiplier[typ]
	if !ok {
		mult = 1.0
	}
	earned := 1.0 * mult
	if firstInRegion {
		earned += firstInRegionBonus
	}
	l.totalPoints += earned
	l.periodPoints += earned
}

// ResetPeriod zeroes the current-period points, keeping the lifetime total.
func (l *Ledger) ResetPeriod() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.periodPoints = 0
}

// Snapshot copies the counters into a heartbeat.
func (l *Ledger) Snapshot(hb *model.Heartbeat) {
	l.mu.Lock()
	defer l.mu.Unlock()
	hb.ChecksOK = l.checksOK
	hb.ChecksFail = l.checksFail
	hb.TotalPoints = l.totalPoints
	hb.CurrentPeriodPoints = l.periodPoints
	if l.rtSamples > 0 {
		hb.AvgRTMs = l.rtSumMs / float64(l.rtSamples)
	}
}

// AvgRTMs returns the mean round-trip time across all counted probes.
func (l *Ledger) AvgRTMs() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rtSamples == 0 {
		return 0
	}
	return l.rtSumMs / float64(l.rtSamples)
}
