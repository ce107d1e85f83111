package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Dis3z/reserve-api/internal/queue"
)

// RegisterJobs binds the coordinator's job handlers and schedules the
// recurring hold reclaimer. Call before queue.Start.
func RegisterJobs(q *queue.Queue, coord *Coordinator, log zerolog.Logger) error {
	q.RegisterWorker(JobBookingConfirmed, notificationHandler("booking confirmed", log))
	q.RegisterWorker(JobBookingCancelled, notificationHandler("booking cancelled", log))

	q.RegisterWorker(JobReclaimHolds, func(ctx context.Context, _ *queue.Job) error {
		_, err := coord.ReclaimExpiredHolds(ctx)
		return err
	})
	if _, err := q.Enqueue(context.Background(), JobReclaimHolds, nil, &queue.Options{
		CronPattern: "@every 5m",
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", JobReclaimHolds, err)
	}

	return nil
}

// notificationHandler records notification intent for a booking transition.
// Actual delivery (push/SMS/email fan-out) is owned by the notification
// system; the core only hands over the facts.
func notificationHandler(event string, log zerolog.Logger) queue.Handler {
	return func(_ context.Context, job *queue.Job) error {
		var payload BookingJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("%s: bad payload: %w", job.Name, err)
		}
		log.Info().
			Str("event", event).
			Str("booking_id", payload.BookingID.String()).
			Str("user_id", payload.UserID.String()).
			Str("confirmation_code", payload.ConfirmationCode).
			Int("attempt", job.Attempt).
			Msg("notification intent enqueued for delivery")
		return nil
	}
}
