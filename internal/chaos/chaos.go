// Package chaos injects faults into links for resilience testing: delayed
// or failed writes, dropped connections, and a monkey that kills and
// restarts targets at random.
package chaos

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"sync"
	"time"
)

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultNone means no fault fired.
	FaultNone FaultType = iota - 1
	// FaultDisconnect causes a connection to be dropped.
	FaultDisconnect
	// FaultDelay adds latency to operations.
	FaultDelay
	// FaultError causes an operation to return an error.
	FaultError
)

func (t FaultType) String() string {
	switch t {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultError:
		return "error"
	default:
		return "none"
	}
}

// ErrInjected is returned by operations that a fault failed.
var ErrInjected = errors.New("chaos: injected fault")

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	Type FaultType

	// After skips the first After operations, so a connection can finish
	// its handshake before faults start.
	After int64

	MinDelay time.Duration
	MaxDelay time.Duration
}

// FaultInjector decides, per operation, whether a fault fires.
type FaultInjector struct {
	configs []FaultConfig

	mu        sync.Mutex
	enabled   bool
	rng       *rand.Rand
	ops       int64
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled fault injector.
func NewFaultInjector(configs ...FaultConfig) *FaultInjector {
	return NewSeededFaultInjector(time.Now().UnixNano(), configs...)
}

// NewSeededFaultInjector creates a fault injector with a fixed random seed.
func NewSeededFaultInjector(seed int64, configs ...FaultConfig) *FaultInjector {
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	f.enabled = true
	f.mu.Unlock()
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	f.enabled = false
	f.mu.Unlock()
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Next counts one operation and returns the fault to apply to it, with the
// delay for FaultDelay.
func (f *FaultInjector) Next() (FaultType, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ops++
	if !f.enabled {
		return FaultNone, 0
	}
	for _, c := range f.configs {
		if f.ops <= c.After || f.rng.Float64() >= c.Probability {
			continue
		}
		f.faultHits[c.Type]++
		if c.Type == FaultDelay {
			return FaultDelay, f.randomDelay(c.MinDelay, c.MaxDelay)
		}
		return c.Type, 0
	}
	return FaultNone, 0
}

// MaybeDisconnect returns true if a disconnect fault fired.
func (f *FaultInjector) MaybeDisconnect() bool {
	t, _ := f.Next()
	return t == FaultDisconnect
}

// Stats returns how often each fault fired.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears the statistics and the operation count.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = 0
	f.faultHits = make(map[FaultType]int64)
}

// randomDelay requires f.mu.
func (f *FaultInjector) randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(f.rng.Int63n(int64(max-min)))
}

// Conn wraps a connection and applies the injector's faults to writes.
// A disconnect closes the underlying connection, so both ends see the link
// drop.
type Conn struct {
	io.ReadWriteCloser
	injector *FaultInjector
}

// WrapConn returns conn with faults from injector applied.
func WrapConn(conn io.ReadWriteCloser, injector *FaultInjector) *Conn {
	return &Conn{ReadWriteCloser: conn, injector: injector}
}

func (c *Conn) Write(p []byte) (int, error) {
	switch fault, delay := c.injector.Next(); fault {
	case FaultDelay:
		time.Sleep(delay)
	case FaultError:
		return 0, ErrInjected
	case FaultDisconnect:
		c.ReadWriteCloser.Close()
		return 0, ErrInjected
	}
	return c.ReadWriteCloser.Write(p)
}

// Target represents something that can be subjected to chaos.
type Target interface {
	// ID returns a unique identifier for the target.
	ID() string
	// Kill forcefully terminates the target.
	Kill() error
	// IsAlive returns whether the target is still alive.
	IsAlive() bool
	// Restart restarts the target after being killed.
	Restart() error
}

// Event represents a chaos event.
type Event struct {
	Time     time.Time
	TargetID string
	Action   string
	Success  bool
	Error    error
}

// Monkey periodically kills a random live target, or restarts a dead one.
type Monkey struct {
	interval  time.Duration
	injector  *FaultInjector
	eventChan chan Event

	mu      sync.Mutex
	targets []Target
	rng     *rand.Rand
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonkey creates a monkey acting every interval. Kills happen when the
// injector fires FaultDisconnect, or on every tick with a nil injector.
func NewMonkey(interval time.Duration, injector *FaultInjector) *Monkey {
	return &Monkey{
		interval:  interval,
		injector:  injector,
		eventChan: make(chan Event, 100),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddTarget adds a target.
func (m *Monkey) AddTarget(target Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = append(m.targets, target)
}

// RemoveTarget removes a target by ID.
func (m *Monkey) RemoveTarget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.targets {
		if t.ID() == id {
			m.targets = append(m.targets[:i], m.targets[i+1:]...)
			return
		}
	}
}

// Start runs the monkey until Stop or ctx ends.
func (m *Monkey) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)
}

// Stop stops the monkey and waits for it to exit.
func (m *Monkey) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	close(m.stopCh)
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
}

// Events returns a channel that receives chaos events. Events are dropped
// when nobody reads them.
func (m *Monkey) Events() <-chan Event {
	return m.eventChan
}

func (m *Monkey) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.act()
		}
	}
}

func (m *Monkey) act() {
	m.mu.Lock()
	if len(m.targets) == 0 {
		m.mu.Unlock()
		return
	}
	target := m.targets[m.rng.Intn(len(m.targets))]
	m.mu.Unlock()

	if !target.IsAlive() {
		err := target.Restart()
		m.sendEvent(Event{Time: time.Now(), TargetID: target.ID(), Action: "restart", Success: err == nil, Error: err})
		return
	}

	if m.injector != nil && !m.injector.MaybeDisconnect() {
		return
	}
	err := target.Kill()
	m.sendEvent(Event{Time: time.Now(), TargetID: target.ID(), Action: "kill", Success: err == nil, Error: err})
}

func (m *Monkey) sendEvent(event Event) {
	select {
	case m.eventChan <- event:
	default:
	}
}
