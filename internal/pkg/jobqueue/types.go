package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeWebhookProcess JobType = "webhook_process"
	JobTypeRenewalCharge  JobType = "renewal_charge"
	JobTypeDunningRetry   JobType = "dunning_retry"
)

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job represents a background job
type Job struct {
	ID          string                 `json:"id"`
	Type        JobType                `json:"type"`
	Status      JobStatus              `json:"status"`
	Payload     map[string]interface{} `json:"payload"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	ProcessedAt *time.Time             `json:"processed_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	ErrorMsg    string                 `json:"error_msg,omitempty"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
}

// WebhookProcessJobPayload carries a verified, deduplicated webhook event to
// the background processor. The event is stored as its own JSON document so
// the typed decimal fields survive the round trip through the job map.
type WebhookProcessJobPayload struct {
	ReceiptID uint   `json:"receipt_id"`
	Provider  string `json:"provider"`
	EventJSON string `json:"event_json"`
}

// ToMap converts the payload to a map for storage
func (p WebhookProcessJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"receipt_id": p.ReceiptID,
		"provider":   p.Provider,
		"event_json": p.EventJSON,
	}
}

// WebhookProcessJobPayloadFromMap creates a payload from a map
func WebhookProcessJobPayloadFromMap(data map[string]interface{}) (*WebhookProcessJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload WebhookProcessJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// RenewalChargeJobPayload identifies one subscription due for a renewal
// charge.
type RenewalChargeJobPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// ToMap converts the payload to a map for storage
func (p RenewalChargeJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": p.SubscriptionID,
	}
}

// RenewalChargeJobPayloadFromMap creates a payload from a map
func RenewalChargeJobPayloadFromMap(data map[string]interface{}) (*RenewalChargeJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload RenewalChargeJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// DunningRetryJobPayload identifies one subscription in arrears whose retry
// schedule should be evaluated.
type DunningRetryJobPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// ToMap converts the payload to a map for storage
func (p DunningRetryJobPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"subscription_id": p.SubscriptionID,
	}
}

// DunningRetryJobPayloadFromMap creates a payload from a map
func DunningRetryJobPayloadFromMap(data map[string]interface{}) (*DunningRetryJobPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload DunningRetryJobPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}

// IsRetryable checks if the job can be retried
func (j *Job) IsRetryable() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// MarkAsProcessing updates the job status to processing
func (j *Job) MarkAsProcessing() {
	now := time.Now()
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *Job) MarkAsCompleted() {
	now := time.Now()
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.CompletedAt = &now
	j.ErrorMsg = ""
}

// MarkAsFailed updates the job status to failed
func (j *Job) MarkAsFailed(errorMsg string) {
	j.Status = JobStatusFailed
	j.UpdatedAt = time.Now()
	j.ErrorMsg = errorMsg
	j.RetryCount++
}

// MarkAsRetrying updates the job status to retrying
func (j *Job) MarkAsRetrying() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}
