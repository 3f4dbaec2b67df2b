package credguard

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/robfig/cron/v3"
)

// RunMaintenance sweeps elapsed lockouts and dead OTP records once. Both
// sweeps run even if the first fails.
func (e *Engine) RunMaintenance(ctx context.Context) (MaintenanceReport, error) {
	if !e.ready() {
		return MaintenanceReport{}, ErrEngineNotReady
	}

	var report MaintenanceReport
	blocks, blockErr := e.CleanupExpiredBlocks(ctx)
	report.BlocksCleared = blocks
	otps, otpErr := e.CleanupExpiredOTPs(ctx)
	report.OTPsRemoved = otps

	e.metricInc(MetricMaintenanceRun)
	if e.metrics != nil {
		e.metrics.Add(MetricMaintenanceRemoved, uint64(blocks+otps))
	}

	err := errors.Join(blockErr, otpErr)
	e.emitAudit(ctx, auditEventMaintenance, err == nil, "", "", "", err, func() map[string]string {
		return map[string]string{
			"blocks_cleared": strconv.Itoa(blocks),
			"otps_removed":   strconv.Itoa(otps),
		}
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "maintenance pass failed", slog.Any("error", err))
		return report, err
	}
	if blocks+otps > 0 {
		e.logger.InfoContext(ctx, "maintenance pass",
			slog.Int("blocks_cleared", blocks),
			slog.Int("otps_removed", otps),
		)
	}
	return report, nil
}

// StartMaintenance runs RunMaintenance on schedule (a cron spec such as
// "@every 1m"). An empty schedule uses Maintenance.Schedule. Calling it again
// replaces the previous schedule.
func (e *Engine) StartMaintenance(schedule string) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	if schedule == "" {
		schedule = e.config.Maintenance.Schedule
	}
	if schedule == "" {
		return errors.New("maintenance schedule required")
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.Delivery.Timeout)
		defer cancel()
		_, _ = e.RunMaintenance(ctx)
	}); err != nil {
		return err
	}

	e.cronMu.Lock()
	prev := e.cron
	e.cron = c
	e.cronMu.Unlock()

	if prev != nil {
		<-prev.Stop().Done()
	}
	c.Start()
	return nil
}

// StopMaintenance stops the schedule and waits for a running pass.
func (e *Engine) StopMaintenance() {
	e.cronMu.Lock()
	c := e.cron
	e.cron = nil
	e.cronMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}
