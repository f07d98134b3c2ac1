package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio/sim"
)

// Scenario: misses escalate through all four levels at the documented
// streak lengths, and a single beacon resets the streak.
func TestMissSyncEscalation(t *testing.T) {
	e := NewEngine()

	var last Action
	seenAt := map[Action]uint32{}
	for i := uint32(1); i <= DeepSearchAfter; i++ {
		a := e.ReportMissSync()
		if a != last {
			seenAt[a] = i
			last = a
		}
	}
	require.Equal(t, uint32(ResyncAfter), seenAt[ActionResync])
	require.Equal(t, uint32(ChannelSwitchAfter), seenAt[ActionChannelSwitch])
	require.Equal(t, uint32(FullScanAfter), seenAt[ActionFullScan])
	require.Equal(t, uint32(DeepSearchAfter), seenAt[ActionDeepSearch])

	e.ReportSyncOK()
	require.Equal(t, ActionNone, e.Action())
	require.Equal(t, ActionNone, e.ReportMissSync())
	require.Equal(t, ActionNone, e.ReportMissSync())
	require.Equal(t, ActionResync, e.ReportMissSync())
}

// Escalation never de-escalates within one streak.
func TestMissSyncMonotonic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		e := NewEngine()
		n := rapid.IntRange(1, 150).Draw(t, "misses")
		var prev Action
		for i := 0; i < n; i++ {
			a := e.ReportMissSync()
			require.True(t, a >= prev)
			prev = a
		}
	})
}

func TestSlotOverrunAbort(t *testing.T) {
	e := NewEngine()

	// within budget
	e.SlotStart(0)
	require.True(t, e.SlotEnd(0, packet.DataSlotUs-SlotGuardUs))

	// two overruns do not abort, the third does
	for i := 0; i < SlotAbortThreshold-1; i++ {
		e.SlotStart(0)
		require.True(t, e.SlotEnd(1, packet.DataSlotUs))
	}
	e.SlotStart(0)
	require.False(t, e.SlotEnd(1, packet.DataSlotUs))
	require.Equal(t, ActionAbort, e.Action())
	require.Equal(t, uint32(SlotAbortThreshold), e.Stats().SlotOverruns)
}

func TestSlotOverrunStreakResets(t *testing.T) {
	e := NewEngine()
	for i := 0; i < 10; i++ {
		e.SlotStart(0)
		require.True(t, e.SlotEnd(2, packet.DataSlotUs)) // overrun
		e.SlotStart(0)
		require.True(t, e.SlotEnd(2, 100)) // fine, clears the run
	}
}

func TestCheckSlotOverrun(t *testing.T) {
	e := NewEngine()
	require.False(t, e.CheckSlotOverrun(packet.DataSlotUs-SlotGuardUs))
	require.True(t, e.CheckSlotOverrun(packet.DataSlotUs-SlotGuardUs+1))
}

func TestClassifyTimeout(t *testing.T) {
	testCases := []struct {
		waitMs uint32
		want   Severity
	}{
		{0, SeverityNone},
		{9, SeverityNone},
		{10, SeveritySoft},
		{49, SeveritySoft},
		{50, SeverityRetry},
		{99, SeverityRetry},
		{100, SeverityReset},
		{499, SeverityReset},
		{500, SeverityRepair},
		{10000, SeverityRepair},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.want, ClassifyTimeout(tc.waitMs), "wait %dms", tc.waitMs)
	}
}

func TestExecuteActions(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	r := air.Node(packet.HardwareAddr{1})
	e := NewEngine()

	require.NoError(t, r.SetChannel(10))
	e.Execute(r, ActionChannelSwitch)
	require.Equal(t, uint8(11), r.Channel())

	e.Execute(r, ActionFullScan)
	require.Equal(t, uint8(packet.PairingChannel), r.Channel())

	require.NoError(t, r.SetChannel(5))
	e.Execute(r, ActionDeepSearch)
	require.Equal(t, uint8(packet.PairingChannel), r.Channel())
}

func TestChannelSwitchWraps(t *testing.T) {
	air := sim.NewAir(sim.NewClock())
	r := air.Node(packet.HardwareAddr{1})
	e := NewEngine()
	require.NoError(t, r.SetChannel(packet.ChannelCount-1))
	e.Execute(r, ActionChannelSwitch)
	require.Equal(t, uint8(0), r.Channel())
}

func TestStatsAndReset(t *testing.T) {
	e := NewEngine()
	for i := 0; i < 5; i++ {
		e.ReportMissSync()
	}
	e.ReportTimeout(200)
	s := e.Stats()
	require.Equal(t, uint32(5), s.MissSync)
	require.Equal(t, uint32(1), s.Timeouts)
	require.Equal(t, uint32(3), s.Recoveries[0]) // misses 3,4,5 hit level 1

	e.ResetCounters()
	require.Equal(t, Stats{}, e.Stats())

	// streak survives the counter reset
	require.Equal(t, ActionResync, e.ReportMissSync())
}
