package scheduler

import (
	"context"
	"time"

	"leadflow-engine/internal/lead"
)

// Repository is the persistence contract for enrollments and attempts.
//
// AdvanceStep and ClaimStep are compare-and-set operations: they succeed
// only when the enrollment is still in the expected (step, status)
// state. Every concurrent due-scan and job handler funnels through them,
// which is what makes ProcessDue idempotent and keeps a single attempt
// in flight per enrollment.
type Repository interface {
	CreateEnrollment(ctx context.Context, e Enrollment) error
	FindEnrollment(ctx context.Context, id string) (Enrollment, error)
	HasActiveEnrollment(ctx context.Context, leadID string, ch lead.Channel) (bool, error)

	// DueEnrollments returns active enrollments whose NextScheduledAt is
	// non-nil and <= now.
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]Enrollment, error)

	// ClaimStep clears NextScheduledAt iff the enrollment is active at
	// fromStep with a non-nil due time. ok=false means another scan
	// already claimed this step.
	ClaimStep(ctx context.Context, id string, fromStep int) (bool, error)

	// RescheduleStep undoes a claim: it restores NextScheduledAt iff
	// the enrollment is still active at fromStep with no due time set.
	// Used to compensate when the send job could not be enqueued.
	RescheduleStep(ctx context.Context, id string, fromStep int, at time.Time) (bool, error)

	// AdvanceStep moves the enrollment past fromStep into the given
	// status with the next due time. ok=false when the enrollment moved
	// on already.
	AdvanceStep(ctx context.Context, id string, fromStep int, status Status, nextAt *time.Time) (bool, error)

	SetEnrollmentStatus(ctx context.Context, id string, status Status) error

	// OptOutLead marks every non-terminal enrollment of a lead
	// opted_out and cancels pending attempts, atomically with respect
	// to the due scan. Returns affected enrollment count.
	OptOutLead(ctx context.Context, leadID string) (int, error)

	SetScheduleEnrollmentsStatus(ctx context.Context, scheduleID string, from, to Status) (int, error)

	CreateAttempt(ctx context.Context, a Attempt) error
	FindAttempt(ctx context.Context, id string) (Attempt, error)
	FindAttemptByProviderMessage(ctx context.Context, providerMessageID string) (Attempt, error)

	// FinishAttempt terminalizes an attempt. ErrAttemptTerminal when it
	// is already immutable.
	FinishAttempt(ctx context.Context, id string, status AttemptStatus, sentAt *time.Time, providerMessageID, errMsg string) error

	// MarkDeliveryFailed corrects a sent attempt to failed after a
	// bounce or delivery-failure receipt. The one sanctioned mutation
	// of a terminal attempt.
	MarkDeliveryFailed(ctx context.Context, id string, reason string) error

	// InFlightAttempts counts still-scheduled attempts for an
	// enrollment; the scheduler uses it to detect invariant violations.
	InFlightAttempts(ctx context.Context, enrollmentID string) (int, error)

	AttemptsByEnrollment(ctx context.Context, enrollmentID string) ([]Attempt, error)
	AttemptsByLead(ctx context.Context, leadID string) ([]Attempt, error)
}
