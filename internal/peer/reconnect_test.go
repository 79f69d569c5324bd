package peer

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errDialFailed = errors.New("dial failed")

func TestDefaultReconnectConfig(t *testing.T) {
	cfg := DefaultReconnectConfig()

	if cfg.InitialDelay != 1*time.Second {
		t.Errorf("InitialDelay = %v, want 1s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if cfg.MaxAttempts != 0 {
		t.Errorf("MaxAttempts = %v, want 0", cfg.MaxAttempts)
	}
}

func TestReconnectConfig_Delay(t *testing.T) {
	cfg := ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
	}

	for _, tt := range tests {
		if got := cfg.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestReconnector_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	r := NewReconnector(ReconnectConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  3,
	}, func(addr string) error {
		attempts.Add(1)
		return errDialFailed
	})
	defer r.Stop()

	r.Schedule("peer-a:4433")

	deadline := time.Now().Add(2 * time.Second)
	for r.IsPending("peer-a:4433") {
		if time.Now().After(deadline) {
			t.Fatal("reconnector did not give up")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestReconnector_StopsOnSuccess(t *testing.T) {
	var mu sync.Mutex
	count := 0
	r := NewReconnector(ReconnectConfig{
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  10,
	}, func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count >= 3 {
			return nil
		}
		return errDialFailed
	})
	defer r.Stop()

	r.Schedule("peer-a:4433")

	deadline := time.Now().Add(2 * time.Second)
	for r.IsPending("peer-a:4433") {
		if time.Now().After(deadline) {
			t.Fatal("reconnector kept redialing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 3 {
		t.Errorf("attempts = %d, want 3 (success on 3rd)", count)
	}
}

func TestReconnector_Cancel(t *testing.T) {
	var attempts atomic.Int32
	r := NewReconnector(ReconnectConfig{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}, func(addr string) error {
		attempts.Add(1)
		return errDialFailed
	})
	defer r.Stop()

	r.Schedule("peer-a:4433")
	if !r.IsPending("peer-a:4433") {
		t.Error("IsPending() = false after Schedule")
	}
	r.Cancel("peer-a:4433")

	time.Sleep(100 * time.Millisecond)
	if got := attempts.Load(); got != 0 {
		t.Errorf("attempts after Cancel = %d, want 0", got)
	}
	if r.Attempts("peer-a:4433") != 0 {
		t.Error("Attempts() should be 0 after Cancel")
	}
}

func TestReconnector_Stop(t *testing.T) {
	r := NewReconnector(ReconnectConfig{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
	}, func(addr string) error { return errDialFailed })

	r.Schedule("addr1")
	r.Schedule("addr2")
	r.Stop()

	if r.IsPending("addr1") || r.IsPending("addr2") {
		t.Error("nothing should be pending after Stop()")
	}

	r.Schedule("addr3")
	if r.IsPending("addr3") {
		t.Error("Schedule() after Stop() should be ignored")
	}
}

func TestReconnector_Jitter(t *testing.T) {
	r := NewReconnector(ReconnectConfig{Jitter: 0.2}, nil)
	base := 100 * time.Millisecond

	for i := 0; i < 100; i++ {
		got := r.jitter(base)
		if got < 80*time.Millisecond || got > 120*time.Millisecond {
			t.Fatalf("jitter(%v) = %v, want within 20%%", base, got)
		}
	}

	r = NewReconnector(ReconnectConfig{}, nil)
	if got := r.jitter(base); got != base {
		t.Errorf("jitter without Jitter = %v, want %v", got, base)
	}
}
