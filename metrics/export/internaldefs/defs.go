package internaldefs

import (
	"github.com/wareops/credguard"
)

type CounterDef struct {
	ID   credguard.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   credguard.MetricID
	Name string
	Help string
}

// CounterDefs lists every counter in MetricID order.
var CounterDefs = []CounterDef{
	{ID: credguard.MetricLoginSuccess, Name: "credguard_login_success_total", Help: "Successful logins."},
	{ID: credguard.MetricLoginFailure, Name: "credguard_login_failure_total", Help: "Failed login attempts recorded in the ledger."},
	{ID: credguard.MetricLoginBlocked, Name: "credguard_login_blocked_total", Help: "Logins refused because the identity was blocked."},
	{ID: credguard.MetricLockoutTriggered, Name: "credguard_lockout_triggered_total", Help: "Failures that started a lockout."},
	{ID: credguard.MetricAttemptsCleared, Name: "credguard_attempts_cleared_total", Help: "Administrative unblocks."},
	{ID: credguard.MetricOTPIssued, Name: "credguard_otp_issued_total", Help: "Codes issued and delivered."},
	{ID: credguard.MetricOTPVerified, Name: "credguard_otp_verified_total", Help: "Codes verified."},
	{ID: credguard.MetricOTPMismatch, Name: "credguard_otp_mismatch_total", Help: "Wrong codes submitted."},
	{ID: credguard.MetricOTPExpired, Name: "credguard_otp_expired_total", Help: "Verifications against expired codes."},
	{ID: credguard.MetricOTPLocked, Name: "credguard_otp_locked_total", Help: "Verifications against codes out of attempts."},
	{ID: credguard.MetricOTPConsumed, Name: "credguard_otp_consumed_total", Help: "Verifications against consumed codes."},
	{ID: credguard.MetricResendAllowed, Name: "credguard_resend_allowed_total", Help: "Resends allowed by the governor."},
	{ID: credguard.MetricResendCooldown, Name: "credguard_resend_cooldown_total", Help: "Resends refused during cooldown."},
	{ID: credguard.MetricResendBlocked, Name: "credguard_resend_blocked_total", Help: "Resends refused by the cap or a block."},
	{ID: credguard.MetricRateLimitHit, Name: "credguard_rate_limit_hit_total", Help: "Code requests refused by the per-address throttle."},
	{ID: credguard.MetricDeliverySuccess, Name: "credguard_delivery_success_total", Help: "Mails delivered."},
	{ID: credguard.MetricDeliveryFailure, Name: "credguard_delivery_failure_total", Help: "Mails that failed to send."},
	{ID: credguard.MetricFlowStarted, Name: "credguard_flow_started_total", Help: "Flows started."},
	{ID: credguard.MetricFlowCompleted, Name: "credguard_flow_completed_total", Help: "Flows completed."},
	{ID: credguard.MetricFlowCancelled, Name: "credguard_flow_cancelled_total", Help: "Flows cancelled."},
	{ID: credguard.MetricFlowStepFailure, Name: "credguard_flow_step_failure_total", Help: "Flow steps that failed."},
	{ID: credguard.MetricRegistrationApproved, Name: "credguard_registration_approved_total", Help: "Registrations approved by an admin."},
	{ID: credguard.MetricRegistrationRejected, Name: "credguard_registration_rejected_total", Help: "Registrations rejected by an admin."},
	{ID: credguard.MetricMaintenanceRun, Name: "credguard_maintenance_run_total", Help: "Maintenance passes."},
	{ID: credguard.MetricMaintenanceRemoved, Name: "credguard_maintenance_removed_total", Help: "Records removed by maintenance."},
}

var HistogramDefs = []HistogramDef{
	{ID: credguard.MetricDeliveryLatency, Name: "credguard_delivery_latency_seconds", Help: "Mail delivery latency."},
}

// HistogramBounds are the upper bounds, in seconds, of the engine's
// delivery latency buckets.
var HistogramBounds = []string{
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"1",
	"2.5",
	"10",
	"+Inf",
}

// HistogramBoundSuffix names each bucket for exporters without labels.
var HistogramBoundSuffix = []string{
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"1",
	"2_5",
	"10",
	"inf",
}

// NormalizeBuckets copies raw into a fixed array, padding with zeros.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
