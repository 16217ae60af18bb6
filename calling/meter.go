/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 The Panda Call Authors
 */

package calling

import (
	"math"
	"sync"
	"time"
)

// DefaultMeterInterval is how often the level meter reports when the
// configuration leaves the interval unset.
const DefaultMeterInterval = 50 * time.Millisecond

// LevelFunc receives one 0-100 loudness value per side per tick
type LevelFunc func(side AudioSide, level int)

// LevelMeter converts G.711 µ-law payloads into periodic 0-100 loudness
// values. Observe accumulates energy from either side; a ticker drains the
// accumulators and invokes the callback. Stop is deterministic: once it
// returns, the callback never fires again.
type LevelMeter struct {
	mu       sync.Mutex
	interval time.Duration
	callback LevelFunc
	acc      map[AudioSide]*energyAccumulator
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool
	stopped  bool
}

type energyAccumulator struct {
	sumSquares float64
	count      int
}

// NewLevelMeter creates a meter reporting through callback every interval.
// A zero interval selects DefaultMeterInterval.
func NewLevelMeter(interval time.Duration, callback LevelFunc) *LevelMeter {
	if interval <= 0 {
		interval = DefaultMeterInterval
	}
	return &LevelMeter{
		interval: interval,
		callback: callback,
		acc: map[AudioSide]*energyAccumulator{
			SideLocal:  {},
			SideRemote: {},
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the reporting ticker. Starting twice is a no-op.
func (m *LevelMeter) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.run()
}

// Observe accumulates the energy of one µ-law payload for a side.
// Safe to call from the media pump goroutines; a no-op after Stop.
func (m *LevelMeter) Observe(side AudioSide, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}
	acc, ok := m.acc[side]
	if !ok {
		return
	}
	for _, b := range payload {
		sample := float64(mulawToLinear(b))
		acc.sumSquares += sample * sample
		acc.count++
	}
}

// Stop halts reporting. It blocks until the ticker goroutine has exited, so
// no callback fires after Stop returns. Safe to call repeatedly.
func (m *LevelMeter) Stop() {
	m.mu.Lock()
	if m.stopped {
		started := m.started
		m.mu.Unlock()
		if started {
			<-m.doneCh
		}
		return
	}
	m.stopped = true
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)
	if started {
		<-m.doneCh
	}
}

func (m *LevelMeter) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.report()
		}
	}
}

// report drains both accumulators and invokes the callback for every side
// that received samples this tick.
func (m *LevelMeter) report() {
	type reading struct {
		side  AudioSide
		level int
	}

	m.mu.Lock()
	var readings []reading
	for side, acc := range m.acc {
		if acc.count == 0 {
			continue
		}
		rms := math.Sqrt(acc.sumSquares / float64(acc.count))
		level := int(math.Round(math.Min(1, rms/32768.0) * 100))
		readings = append(readings, reading{side: side, level: level})
		acc.sumSquares = 0
		acc.count = 0
	}
	callback := m.callback
	m.mu.Unlock()

	if callback == nil {
		return
	}
	for _, r := range readings {
		callback(r.side, r.level)
	}
}

// mulawToLinear decodes one G.711 µ-law byte to a 16-bit linear sample
func mulawToLinear(u byte) int16 {
	u = ^u
	t := (int32(u&0x0F)<<3 + 0x84) << ((u >> 4) & 0x07)
	if u&0x80 != 0 {
		return int16(0x84 - t)
	}
	return int16(t - 0x84)
}
