package model

import "time"

// PlanType identifies a billing plan.
type PlanType string

const (
	PlanFree       PlanType = "free"
	PlanPro        PlanType = "pro"
	PlanEnterprise PlanType = "enterprise"
)

// CreditsForPlan maps a plan to its per-period analysis credits.
func CreditsForPlan(plan PlanType) int {
	switch plan {
	case PlanPro:
		return 50
	case PlanEnterprise:
		return 999999
	default:
		return 5
	}
}

// Subscription is the persisted billing record for one account.
// CreditsRemaining never goes negative; each completed analysis
// consumes exactly one credit.
type Subscription struct {
	Owner              string     `json:"owner"`
	CustomerID         string     `json:"customerId,omitempty"`
	SubscriptionID     string     `json:"subscriptionId,omitempty"`
	PlanType           PlanType   `json:"planType"`
	CreditsTotal       int        `json:"creditsTotal"`
	CreditsRemaining   int        `json:"creditsRemaining"`
	CurrentPeriodStart *time.Time `json:"currentPeriodStart,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancelAtPeriodEnd"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// BillingEvent is the inbound webhook payload from the billing
// provider.
type BillingEvent struct {
	Type string           `json:"type"`
	Data BillingEventData `json:"data"`
}

type BillingEventData struct {
	Owner              string `json:"owner"`
	CustomerID         string `json:"customerId"`
	SubscriptionID     string `json:"subscriptionId"`
	PriceID            string `json:"priceId"`
	CurrentPeriodStart int64  `json:"currentPeriodStart"`
	CurrentPeriodEnd   int64  `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool   `json:"cancelAtPeriodEnd"`
}

// Billing event types handled by the webhook endpoint.
const (
	BillingEventCheckoutCompleted   = "checkout.session.completed"
	BillingEventSubscriptionUpdated = "customer.subscription.updated"
	BillingEventSubscriptionDeleted = "customer.subscription.deleted"
)
