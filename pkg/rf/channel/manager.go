// Package channel tracks per-channel link quality and maintains the
// adaptive hop sequence: lossy channels are blacklisted and recovered
// after a cooldown, and clear-channel assessment steers transmissions
// away from occupied channels.
package channel

import (
	"sync"

	"github.com/golang/glog"

	"github.com/trackwire/rflink/pkg/rf/packet"
	"github.com/trackwire/rflink/pkg/rf/radio"
)

// DefaultHopSequence spreads the hop set across the band, keeping the
// first entries clear of the most congested WiFi overlaps.
var DefaultHopSequence = []uint8{
	8, 13, 18, 33, 38, 3, 23, 28,
	10, 15, 35, 5, 20, 25, 30, 36,
}

// Config tunes the manager. The zero value is completed by Default.
type Config struct {
	// UpdateMs is the quality evaluation period.
	UpdateMs uint32
	// BlacklistPct is the loss-rate above which a channel is dropped.
	BlacklistPct uint8
	// RecoveryPct is the loss-rate below which a cooled-down channel
	// comes back.
	RecoveryPct uint8
	// RecoveryMs is the blacklist cooldown.
	RecoveryMs uint32
	// MinActive is the floor on hop-sequence length; blacklisting
	// never breaches it.
	MinActive int
	// CCAThresholdDBm marks a channel busy at or above this RSSI.
	CCAThresholdDBm int8
	// HopSequence is the candidate channel set.
	HopSequence []uint8
}

// Default fills unset fields with production values.
func (c Config) Default() Config {
	if c.UpdateMs == 0 {
		c.UpdateMs = 1000
	}
	if c.BlacklistPct == 0 {
		c.BlacklistPct = 30
	}
	if c.RecoveryPct == 0 {
		c.RecoveryPct = 10
	}
	if c.RecoveryMs == 0 {
		c.RecoveryMs = 30000
	}
	if c.MinActive == 0 {
		c.MinActive = 3
	}
	if c.CCAThresholdDBm == 0 {
		c.CCAThresholdDBm = -65
	}
	if c.HopSequence == nil {
		c.HopSequence = DefaultHopSequence
	}
	return c
}

// Quality is the rolling per-channel record. Window counters decay by
// half each update instead of resetting, preserving the trend.
type Quality struct {
	TxCount     uint16
	AckCount    uint16
	CRCErrors   uint16
	rssiSum     int32
	rssiSamples uint16

	LossPct uint8
	AvgRSSI int8

	Blacklisted   bool
	blacklistAt   uint32
	RecoveryTries uint8
}

// Manager owns the channel table and hop cursor. Safe for use from the
// role state machine and diagnostics readers.
type Manager struct {
	cfg Config

	mu           sync.Mutex
	channels     [packet.ChannelCount]Quality
	active       []uint8
	cursor       int
	lastUpdateMs uint32
}

// NewManager builds a manager with the full hop sequence active.
func NewManager(cfg Config) *Manager {
	cfg = cfg.Default()
	m := &Manager{cfg: cfg}
	for i := range m.channels {
		m.channels[i].AvgRSSI = -50
	}
	m.active = append([]uint8(nil), cfg.HopSequence...)
	return m
}

// RecordTx accumulates one transmission outcome on a channel.
func (m *Manager) RecordTx(ch uint8, acked bool, rssi int8) {
	if ch >= packet.ChannelCount {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q := &m.channels[ch]
	q.TxCount++
	if acked {
		q.AckCount++
	}
	q.rssiSum += int32(rssi)
	q.rssiSamples++
}

// RecordCRCError accumulates one corrupted reception on a channel.
func (m *Manager) RecordCRCError(ch uint8) {
	if ch >= packet.ChannelCount {
		return
	}
	m.mu.Lock()
	m.channels[ch].CRCErrors++
	m.mu.Unlock()
}

// Update runs the periodic quality evaluation: recompute loss rates,
// apply blacklist and recovery decisions, decay window counters and
// refresh the hop sequence. Cheap no-op until the period elapses.
func (m *Manager) Update(nowMs uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nowMs-m.lastUpdateMs < m.cfg.UpdateMs {
		return
	}
	m.lastUpdateMs = nowMs

	for i := range m.channels {
		q := &m.channels[i]
		if q.TxCount > 0 {
			lost := uint32(q.TxCount - q.AckCount)
			q.LossPct = uint8(lost * 100 / uint32(q.TxCount))
		}
		if q.rssiSamples > 0 {
			q.AvgRSSI = int8(q.rssiSum / int32(q.rssiSamples))
		}

		if !q.Blacklisted && q.LossPct > m.cfg.BlacklistPct {
			if len(m.active) > m.cfg.MinActive {
				q.Blacklisted = true
				q.blacklistAt = nowMs
				q.RecoveryTries = 0
				glog.Warningf("channel %d blacklisted, loss %d%%", i, q.LossPct)
			}
		}
		if q.Blacklisted && nowMs-q.blacklistAt > m.cfg.RecoveryMs {
			if q.LossPct < m.cfg.RecoveryPct {
				q.Blacklisted = false
				glog.Infof("channel %d recovered after %d tries", i, q.RecoveryTries)
			} else {
				q.blacklistAt = nowMs
				q.RecoveryTries++
			}
		}

		q.TxCount /= 2
		q.AckCount /= 2
		q.CRCErrors /= 2
		q.rssiSum /= 2
		q.rssiSamples /= 2
	}
	m.refreshLocked()
}

// HashChannel picks a deterministic channel for a frame out of the
// configured hop sequence, seeded by the network key. It ignores local
// blacklist state so a tracker that has outrun its beacon channel map
// keeps walking the sequence instead of parking on a dead channel.
func (m *Manager) HashChannel(key uint32, frame uint16) uint8 {
	h := key ^ uint32(frame)*0x9E3779B1
	h ^= h >> 16
	h *= 0x85EBCA6B
	h ^= h >> 13
	h *= 0xC2B2AE35
	h ^= h >> 16
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.HopSequence[h%uint32(len(m.cfg.HopSequence))]
}

// RefreshHopSequence rebuilds the active list from blacklist state.
func (m *Manager) RefreshHopSequence() {
	m.mu.Lock()
	m.refreshLocked()
	m.mu.Unlock()
}

func (m *Manager) refreshLocked() {
	m.active = m.active[:0]
	for _, ch := range m.cfg.HopSequence {
		if int(ch) < packet.ChannelCount && !m.channels[ch].Blacklisted {
			m.active = append(m.active, ch)
		}
	}
	// never shrink below the floor: forcibly un-blacklist
	if len(m.active) < m.cfg.MinActive {
		for _, ch := range m.cfg.HopSequence {
			if len(m.active) >= m.cfg.MinActive {
				break
			}
			if int(ch) < packet.ChannelCount && m.channels[ch].Blacklisted {
				m.channels[ch].Blacklisted = false
				m.active = append(m.active, ch)
				glog.Warningf("channel %d force-recovered to keep %d active",
					ch, m.cfg.MinActive)
			}
		}
	}
	if m.cursor >= len(m.active) {
		m.cursor = 0
	}
}

// NextChannel advances the hop cursor and returns the channel.
func (m *Manager) NextChannel() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) == 0 {
		return m.cfg.HopSequence[0]
	}
	m.cursor = (m.cursor + 1) % len(m.active)
	return m.active[m.cursor]
}

// CurrentChannel returns the channel at the hop cursor.
func (m *Manager) CurrentChannel() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active) == 0 {
		return m.cfg.HopSequence[0]
	}
	return m.active[m.cursor]
}

// PeekMap fills a beacon channel map with the next n hop channels
// without moving the cursor.
func (m *Manager) PeekMap(n int) []uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint8, n)
	for i := 0; i < n; i++ {
		if len(m.active) == 0 {
			out[i] = m.cfg.HopSequence[0]
			continue
		}
		out[i] = m.active[(m.cursor+1+i)%len(m.active)]
	}
	return out
}

// IsBlacklisted reports blacklist state for one channel.
func (m *Manager) IsBlacklisted(ch uint8) bool {
	if ch >= packet.ChannelCount {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[ch].Blacklisted
}

// ChannelQuality returns a 0..100 score, 100 best.
func (m *Manager) ChannelQuality(ch uint8) uint8 {
	if ch >= packet.ChannelCount {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	loss := m.channels[ch].LossPct
	if loss > 100 {
		return 0
	}
	return 100 - loss
}

// ActiveCount returns the current hop-sequence length.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// BestChannel returns the non-blacklisted hop channel with the lowest
// measured loss rate. Channels without traffic in the window are not
// candidates; their zero loss is absence of data, not quality.
func (m *Manager) BestChannel() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := m.cfg.HopSequence[0]
	bestLoss := uint8(100)
	for _, ch := range m.cfg.HopSequence {
		if int(ch) >= packet.ChannelCount || m.channels[ch].Blacklisted {
			continue
		}
		if m.channels[ch].TxCount == 0 {
			continue
		}
		if m.channels[ch].LossPct < bestLoss {
			bestLoss = m.channels[ch].LossPct
			best = ch
		}
	}
	return best
}

// WorstChannel returns the hop channel with the highest loss rate.
func (m *Manager) WorstChannel() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var worst uint8
	var worstLoss uint8
	for _, ch := range m.cfg.HopSequence {
		if int(ch) < packet.ChannelCount && m.channels[ch].LossPct > worstLoss {
			worstLoss = m.channels[ch].LossPct
			worst = ch
		}
	}
	return worst
}

// Health is the aggregate link report for diagnostics.
type Health struct {
	TotalLossPct uint8
	WorstChannel uint8
	WorstLossPct uint8
	ActiveCount  int
}

// HealthReport aggregates the current window across all channels.
func (m *Manager) HealthReport() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	var h Health
	var totalTx, totalAck uint32
	for i := range m.channels {
		q := &m.channels[i]
		totalTx += uint32(q.TxCount)
		totalAck += uint32(q.AckCount)
		if q.LossPct > h.WorstLossPct {
			h.WorstLossPct = q.LossPct
			h.WorstChannel = uint8(i)
		}
	}
	if totalTx > 0 {
		h.TotalLossPct = uint8((totalTx - totalAck) * 100 / totalTx)
	}
	h.ActiveCount = len(m.active)
	return h
}

// Snapshot copies one channel's quality record.
func (m *Manager) Snapshot(ch uint8) Quality {
	if ch >= packet.ChannelCount {
		return Quality{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[ch]
}

// IsChannelClear samples RSSI on a candidate channel and restores the
// radio's original channel. Busy at or above the configured threshold.
func (m *Manager) IsChannelClear(r radio.Radio, ch uint8) bool {
	saved := r.Channel()
	if err := r.SetChannel(ch); err != nil {
		return false
	}
	rssi := r.RSSI()
	r.SetChannel(saved)
	return rssi < m.cfg.CCAThresholdDBm
}

// ClearChannel hops until it finds a clear channel, bounded by
// maxRetries, falling back to the scheduled channel when every
// candidate is busy.
func (m *Manager) ClearChannel(r radio.Radio, maxRetries int) uint8 {
	for i := 0; i < maxRetries; i++ {
		ch := m.NextChannel()
		if m.IsChannelClear(r, ch) {
			return ch
		}
	}
	return m.CurrentChannel()
}
