package ratelimit

import "time"

// Operation classes gated by the limiter.
const (
	ClassAPIRequest      = "api-request"
	ClassJobSubmission   = "job-submission"
	ClassBatchSubmission = "batch-submission"
	ClassFileDownload    = "file-download"
	ClassWebhookCall     = "webhook-call"
)

// Subscription tiers.
const (
	TierDefault    = "default"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
	TierAdmin      = "admin"
)

// Rule is one cell of the tier table: Capacity requests per Window.
type Rule struct {
	Capacity int
	Window   time.Duration
}

// RefillRate returns tokens per second.
func (r Rule) RefillRate() float64 {
	return float64(r.Capacity) / r.Window.Seconds()
}

// tierTable is the static per-tier, per-class limit table.
var tierTable = map[string]map[string]Rule{
	TierDefault: {
		ClassAPIRequest:      {Capacity: 60, Window: time.Minute},
		ClassJobSubmission:   {Capacity: 10, Window: time.Hour},
		ClassBatchSubmission: {Capacity: 2, Window: 24 * time.Hour},
		ClassFileDownload:    {Capacity: 30, Window: time.Hour},
		ClassWebhookCall:     {Capacity: 10, Window: time.Minute},
	},
	TierPremium: {
		ClassAPIRequest:      {Capacity: 300, Window: time.Minute},
		ClassJobSubmission:   {Capacity: 100, Window: time.Hour},
		ClassBatchSubmission: {Capacity: 10, Window: 24 * time.Hour},
		ClassFileDownload:    {Capacity: 300, Window: time.Hour},
		ClassWebhookCall:     {Capacity: 60, Window: time.Minute},
	},
	TierEnterprise: {
		ClassAPIRequest:      {Capacity: 1000, Window: time.Minute},
		ClassJobSubmission:   {Capacity: 1000, Window: time.Hour},
		ClassBatchSubmission: {Capacity: 50, Window: 24 * time.Hour},
		ClassFileDownload:    {Capacity: 1000, Window: time.Hour},
		ClassWebhookCall:     {Capacity: 300, Window: time.Minute},
	},
	TierAdmin: {
		ClassAPIRequest:      {Capacity: 10000, Window: time.Minute},
		ClassJobSubmission:   {Capacity: 10000, Window: time.Hour},
		ClassBatchSubmission: {Capacity: 1000, Window: 24 * time.Hour},
		ClassFileDownload:    {Capacity: 10000, Window: time.Hour},
		ClassWebhookCall:     {Capacity: 1000, Window: time.Minute},
	},
}

// LookupRule resolves the limit for a tier and operation class. Unknown
// tiers fall back to the default tier; unknown classes report !ok.
func LookupRule(tier, class string) (Rule, bool) {
	classes, found := tierTable[tier]
	if !found {
		classes = tierTable[TierDefault]
	}
	rule, ok := classes[class]
	return rule, ok
}
