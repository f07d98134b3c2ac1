// Package recovery classifies link faults and carries out the
// corrective actions: graduated resync on beacon-miss streaks, slot
// overrun detection with abort, and a pure timeout severity
// classifier. It is decoupled from the transport; callers report
// events and apply the returned verdicts.
package recovery

import (
	"sync"

	"github.com/golang/glog"

	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio"
)

// Action is the corrective step the engine asks the caller to take.
type Action byte

// Actions, in escalation order.
const (
	ActionNone Action = iota
	// ActionResync re-enters the sync window on the current channel.
	ActionResync
	// ActionChannelSwitch hops to the next channel before listening.
	ActionChannelSwitch
	// ActionFullScan returns to the pairing channel and scans.
	ActionFullScan
	// ActionDeepSearch sleeps briefly, then listens on the pairing
	// channel indefinitely.
	ActionDeepSearch
	// ActionAbort flushes the radio and forces standby.
	ActionAbort
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionResync:
		return "resync"
	case ActionChannelSwitch:
		return "channel-switch"
	case ActionFullScan:
		return "full-scan"
	case ActionDeepSearch:
		return "deep-search"
	case ActionAbort:
		return "abort"
	}
	return "action(?)"
}

// Miss-streak thresholds for the graduated response.
const (
	ResyncAfter        = 3
	ChannelSwitchAfter = 10
	FullScanAfter      = 30
	DeepSearchAfter    = 100
)

// Slot timing protection.
const (
	// SlotGuardUs is reserved at the tail of every data slot.
	SlotGuardUs = 50
	// SlotAbortThreshold consecutive overruns force an abort.
	SlotAbortThreshold = 3
)

// Timeout severity boundaries, milliseconds.
const (
	timeoutSoftMs   = 10
	timeoutRetryMs  = 50
	timeoutResetMs  = 100
	timeoutRepairMs = 500
)

// Severity grades an elapsed wait.
type Severity byte

// Severities: Soft keeps waiting, Retry repeats the operation, Reset
// reinitializes the radio, Repair drops back to pairing.
const (
	SeverityNone Severity = iota
	SeveritySoft
	SeverityRetry
	SeverityReset
	SeverityRepair
)

// ClassifyTimeout maps an elapsed wait to its severity. Pure function.
func ClassifyTimeout(waitMs uint32) Severity {
	switch {
	case waitMs >= timeoutRepairMs:
		return SeverityRepair
	case waitMs >= timeoutResetMs:
		return SeverityReset
	case waitMs >= timeoutRetryMs:
		return SeverityRetry
	case waitMs >= timeoutSoftMs:
		return SeveritySoft
	}
	return SeverityNone
}

// Stats is a snapshot of the engine's counters.
type Stats struct {
	MissSync     uint32
	SlotOverruns uint32
	Timeouts     uint32
	Recoveries   [4]uint32 // per escalation level
}

// Engine tracks fault streaks for one link endpoint.
type Engine struct {
	mu sync.Mutex

	missSync        uint32
	consecutiveMiss uint32
	slotOverruns    uint32
	timeouts        uint32
	recoveries      [4]uint32

	action      Action
	slotStartUs uint32
	overrunRun  uint8
}

// NewEngine returns an idle engine.
func NewEngine() *Engine {
	return &Engine{}
}

// ReportMissSync records one missed beacon and returns the escalation
// verdict for the current streak.
func (e *Engine) ReportMissSync() Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.missSync++
	e.consecutiveMiss++

	action := ActionNone
	switch {
	case e.consecutiveMiss >= DeepSearchAfter:
		action = ActionDeepSearch
		e.recoveries[3]++
		glog.Warningf("sync lost, %d consecutive misses", e.consecutiveMiss)
	case e.consecutiveMiss >= FullScanAfter:
		action = ActionFullScan
		e.recoveries[2]++
	case e.consecutiveMiss >= ChannelSwitchAfter:
		action = ActionChannelSwitch
		e.recoveries[1]++
	case e.consecutiveMiss >= ResyncAfter:
		action = ActionResync
		e.recoveries[0]++
	}
	if action != ActionNone {
		e.action = action
	}
	return action
}

// ReportSyncOK resets the miss streak after a received beacon.
func (e *Engine) ReportSyncOK() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.consecutiveMiss > 0 {
		glog.V(1).Infof("sync recovered after %d misses", e.consecutiveMiss)
	}
	e.consecutiveMiss = 0
	e.action = ActionNone
}

// ReportTimeout counts one classified timeout.
func (e *Engine) ReportTimeout(waitMs uint32) Severity {
	s := ClassifyTimeout(waitMs)
	if s != SeverityNone {
		e.mu.Lock()
		e.timeouts++
		e.mu.Unlock()
	}
	return s
}

// SlotStart marks the opening of a data slot.
func (e *Engine) SlotStart(nowUs uint32) {
	e.mu.Lock()
	e.slotStartUs = nowUs
	e.mu.Unlock()
}

// SlotEnd checks the slot against its guard. It returns false when
// the abort threshold of consecutive overruns is reached; the caller
// must then Execute(ActionAbort).
func (e *Engine) SlotEnd(slot uint8, nowUs uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	elapsed := nowUs - e.slotStartUs
	if elapsed > packet.DataSlotUs-SlotGuardUs {
		e.slotOverruns++
		e.overrunRun++
		if e.overrunRun >= SlotAbortThreshold {
			e.action = ActionAbort
			e.overrunRun = 0
			glog.Warningf("slot %d overrun streak, aborting", slot)
			return false
		}
	} else {
		e.overrunRun = 0
	}
	return true
}

// CheckSlotOverrun tests a single elapsed time against the guard
// without touching the streak.
func (e *Engine) CheckSlotOverrun(elapsedUs uint32) bool {
	if elapsedUs > packet.DataSlotUs-SlotGuardUs {
		e.mu.Lock()
		e.slotOverruns++
		e.mu.Unlock()
		return true
	}
	return false
}

// Action returns the engine's pending verdict.
func (e *Engine) Action() Action {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.action
}

// Execute applies an action to the radio. ActionDeepSearch's brief
// sleep is realized by the caller's next timer period; the engine only
// sets the radio state.
func (e *Engine) Execute(r radio.Radio, action Action) {
	switch action {
	case ActionNone:
	case ActionResync:
		r.SetMode(radio.ModeRx)
	case ActionChannelSwitch:
		next := (r.Channel() + 1) % packet.ChannelCount
		r.SetChannel(next)
		glog.V(1).Infof("recovery hop to channel %d", next)
	case ActionFullScan:
		r.SetChannel(packet.PairingChannel)
	case ActionDeepSearch:
		r.SetMode(radio.ModeSleep)
		r.SetChannel(packet.PairingChannel)
		r.SetMode(radio.ModeRx)
	case ActionAbort:
		r.FlushTx()
		r.FlushRx()
		r.SetMode(radio.ModeStandby)
	}
}

// Stats snapshots the counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		MissSync:     e.missSync,
		SlotOverruns: e.slotOverruns,
		Timeouts:     e.timeouts,
		Recoveries:   e.recoveries,
	}
}

// ResetCounters clears the cumulative statistics, keeping streak
// state intact.
func (e *Engine) ResetCounters() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.missSync = 0
	e.slotOverruns = 0
	e.timeouts = 0
	e.recoveries = [4]uint32{}
}
