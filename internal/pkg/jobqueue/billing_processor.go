package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ManuelReschke/PayFox/internal/pkg/gateway"
	"github.com/gofiber/fiber/v2/log"
)

// EnqueueWebhookProcessing implements payments.Enqueuer: it hands a verified
// webhook event to the background workers so the HTTP handler can ack the
// provider immediately.
func (q *Queue) EnqueueWebhookProcessing(ctx context.Context, receiptID uint, event *gateway.WebhookEvent) error {
	_ = ctx
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	payload := WebhookProcessJobPayload{
		ReceiptID: receiptID,
		Provider:  event.Provider,
		EventJSON: string(eventJSON),
	}
	_, err = q.EnqueueJob(JobTypeWebhookProcess, payload.ToMap())
	return err
}

// processWebhookJob runs the deferred half of webhook reconciliation.
func (q *Queue) processWebhookJob(ctx context.Context, job *Job) error {
	payload, err := WebhookProcessJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid webhook job payload: %w", err)
	}

	var event gateway.WebhookEvent
	if err := json.Unmarshal([]byte(payload.EventJSON), &event); err != nil {
		return fmt.Errorf("invalid webhook event in job %s: %w", job.ID, err)
	}

	return q.billing.ProcessWebhookEvent(ctx, payload.ReceiptID, &event)
}

// processRenewalChargeJob charges one subscription whose billing period
// lapsed.
func (q *Queue) processRenewalChargeJob(ctx context.Context, job *Job) error {
	payload, err := RenewalChargeJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid renewal job payload: %w", err)
	}
	return q.billing.RenewSubscription(ctx, payload.SubscriptionID)
}

// processDunningRetryJob evaluates the retry schedule for one subscription in
// arrears.
func (q *Queue) processDunningRetryJob(ctx context.Context, job *Job) error {
	payload, err := DunningRetryJobPayloadFromMap(job.Payload)
	if err != nil {
		return fmt.Errorf("invalid dunning job payload: %w", err)
	}

	sub, err := q.billing.GetSubscription(ctx, payload.SubscriptionID)
	if err != nil {
		return err
	}
	if err := q.billing.RunDunning(ctx, sub); err != nil {
		log.Errorf("[JobQueue] dunning evaluation for %s: %v", sub.ID, err)
		return err
	}
	return nil
}
