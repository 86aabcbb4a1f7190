package pcr

import (
	"context"
	"testing"
	"time"
)

func TestRunPeriodicRotationNoopWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePeriodic = false
	d := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.RunPeriodicRotation(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunPeriodicRotation should return immediately when disabled")
	}

	if d.Snapshot().TriggersByPeriodic != 0 {
		t.Fatal("disabled periodic rotation should never trigger")
	}
}

func TestRunPeriodicRotationFiresOnInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnablePeriodic = true
	cfg.RotationInterval = 10 * time.Millisecond
	d := New(cfg)
	d.Register("a", &fakeRekeyer{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.RunPeriodicRotation(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d.Snapshot().TriggersByPeriodic > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected at least one periodic rotation trigger")
}
