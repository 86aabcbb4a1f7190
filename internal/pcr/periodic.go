package pcr

import (
	"context"
	"time"
)

// RunPeriodicRotation drives mandatory time-based key rotation until ctx is
// cancelled (spec §4.L: "Periodic (optional): time-based mandatory
// rotation"). It is a no-op loop when periodic rotation is disabled in
// config, mirroring the ticker-driven background loops used elsewhere in
// this codebase.
func (d *Detector) RunPeriodicRotation(ctx context.Context) {
	if !d.cfg.EnablePeriodic {
		return
	}

	ticker := time.NewTicker(d.cfg.RotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = d.Trigger(ctx, TriggerPeriodic, SeverityLow)
		}
	}
}
