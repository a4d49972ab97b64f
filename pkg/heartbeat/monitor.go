package heartbeat

import (
	"sync"
	"sync/atomic"
	"time"
)

const DefaultInterval = 30 * time.Second

// Monitor probes a live connection every interval and reports it stale when
// nothing was observed on it for more than twice the interval. A Monitor
// belongs to exactly one connection and cannot be restarted.
type Monitor struct {
	interval time.Duration
	probe    func()
	stale    func(idle time.Duration)

	lastActivity atomic.Int64
	lastProbe    time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// Start launches a monitor. probe runs on every interval; stale runs at most
// once, after which the monitor stops itself.
func Start(interval time.Duration, probe func(), stale func(idle time.Duration)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		interval: interval,
		probe:    probe,
		stale:    stale,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	now := time.Now()
	m.lastActivity.Store(now.UnixNano())
	m.lastProbe = now
	go m.run()
	return m
}

// Touch records inbound activity.
func (m *Monitor) Touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *Monitor) LastActivity() time.Time {
	return time.Unix(0, m.lastActivity.Load())
}

func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Stop halts the monitor without waiting for it. A callback already in
// flight may still complete; callers drop late callbacks by connection.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Done is closed once the monitor goroutine has exited.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

func (m *Monitor) stopping() bool {
	select {
	case <-m.stopCh:
		return true
	default:
		return false
	}
}

func (m *Monitor) run() {
	defer close(m.done)

	check := m.interval / 2
	if check <= 0 {
		check = m.interval
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			if m.stopping() {
				return
			}
			idle := now.Sub(m.LastActivity())
			if idle > 2*m.interval {
				m.stopOnce.Do(func() { close(m.stopCh) })
				if m.stale != nil {
					m.stale(idle)
				}
				return
			}
			if now.Sub(m.lastProbe) >= m.interval {
				m.lastProbe = now
				if m.probe != nil {
					m.probe()
				}
			}
		}
	}
}
