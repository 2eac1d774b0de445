package counter

import (
	"context"
	"strconv"

	"github.com/ManuelReschke/PayFox/internal/pkg/cache"
)

const (
	chargesSuccessfulKey = "billing:counters:charges_successful"
	chargesFailedKey     = "billing:counters:charges_failed"
	refundsKey           = "billing:counters:refunds"
	webhooksReceivedKey  = "billing:counters:webhooks_received"
	dunningRetriesKey    = "billing:counters:dunning_retries"
)

// AddChargeSuccessful increments the successful-charge counter for a provider in Redis
func AddChargeSuccessful(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, chargesSuccessfulKey, provider, 1).Err()
}

// AddChargeFailed increments the failed-charge counter for a provider in Redis
func AddChargeFailed(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, chargesFailedKey, provider, 1).Err()
}

// AddRefund increments the refund counter for a provider in Redis
func AddRefund(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, refundsKey, provider, 1).Err()
}

// AddWebhookReceived increments the webhook counter for a provider in Redis
func AddWebhookReceived(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhooksReceivedKey, provider, 1).Err()
}

// AddDunningRetry increments the dunning retry counter for a provider in Redis
func AddDunningRetry(provider string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, dunningRetriesKey, provider, 1).Err()
}

// Snapshot returns all billing counters grouped by metric name and provider.
// Counters are best effort; the ledger is the audit source.
func Snapshot() (map[string]map[string]int64, error) {
	ctx := context.Background()
	rdb := cache.GetClient()

	keys := map[string]string{
		"charges_successful": chargesSuccessfulKey,
		"charges_failed":     chargesFailedKey,
		"refunds":            refundsKey,
		"webhooks_received":  webhooksReceivedKey,
		"dunning_retries":    dunningRetriesKey,
	}

	out := make(map[string]map[string]int64, len(keys))
	for name, key := range keys {
		data, err := rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		group := make(map[string]int64, len(data))
		for provider, raw := range data {
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				group[provider] = v
			}
		}
		out[name] = group
	}
	return out, nil
}
