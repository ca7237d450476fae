package daemon

import (
	"log/slog"
	"sync"
	"time"
)

// wakeGrace is how long probes stay suppressed after a resume, while the
// radio and the supplicant settle.
const wakeGrace = 10 * time.Second

// SleepMonitor tracks system sleep and wake so that reconnect probes do not
// fire against a suspended or just resumed radio.
type SleepMonitor struct {
	mu        sync.RWMutex
	sleeping  bool
	wakeTime  time.Time
	graceTime time.Duration
	now       func() time.Time
	onWake    func()
}

// NewSleepMonitor creates a monitor. onWake runs once the grace period after
// a resume has passed.
func NewSleepMonitor(onWake func()) *SleepMonitor {
	return &SleepMonitor{
		graceTime: wakeGrace,
		now:       time.Now,
		onWake:    onWake,
	}
}

// IsSuppressed reports whether the system sleeps or resumed within the grace
// period.
func (m *SleepMonitor) IsSuppressed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.sleeping {
		return true
	}
	return !m.wakeTime.IsZero() && m.now().Sub(m.wakeTime) < m.graceTime
}

func (m *SleepMonitor) markSleep() {
	m.mu.Lock()
	m.sleeping = true
	m.mu.Unlock()

	slog.Info("System entering sleep")
}

func (m *SleepMonitor) markWake() {
	m.mu.Lock()
	if !m.sleeping {
		m.mu.Unlock()
		return
	}
	m.sleeping = false
	m.wakeTime = m.now()
	grace := m.graceTime
	m.mu.Unlock()

	slog.Info("System waking up")

	if m.onWake != nil {
		time.AfterFunc(grace, m.onWake)
	}
}
