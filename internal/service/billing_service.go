package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chordfinder/api/internal/model"
	"github.com/chordfinder/api/internal/store"
)

// BillingService applies billing provider webhook events to the
// subscription records and answers membership queries.
type BillingService struct {
	store *store.Store
}

func NewBillingService(st *store.Store) *BillingService {
	return &BillingService{store: st}
}

// HandleEvent applies one verified webhook event. Unknown event types
// are acknowledged and ignored so the provider does not retry them.
func (s *BillingService) HandleEvent(ctx context.Context, event *model.BillingEvent) error {
	if event.Data.Owner == "" {
		return fmt.Errorf("billing event %s carried no owner", event.Type)
	}

	switch event.Type {
	case model.BillingEventCheckoutCompleted:
		plan := planForPrice(event.Data.PriceID)
		credits := model.CreditsForPlan(plan)
		sub := &model.Subscription{
			Owner:              event.Data.Owner,
			CustomerID:         event.Data.CustomerID,
			SubscriptionID:     event.Data.SubscriptionID,
			PlanType:           plan,
			CreditsTotal:       credits,
			CreditsRemaining:   credits,
			CurrentPeriodStart: unixTime(event.Data.CurrentPeriodStart),
			CurrentPeriodEnd:   unixTime(event.Data.CurrentPeriodEnd),
			CancelAtPeriodEnd:  event.Data.CancelAtPeriodEnd,
		}
		return s.store.UpsertSubscription(ctx, sub)

	case model.BillingEventSubscriptionUpdated:
		return s.store.UpdateSubscriptionPeriod(ctx, event.Data.Owner,
			unixTime(event.Data.CurrentPeriodStart),
			unixTime(event.Data.CurrentPeriodEnd),
			event.Data.CancelAtPeriodEnd)

	case model.BillingEventSubscriptionDeleted:
		credits := model.CreditsForPlan(model.PlanFree)
		sub := &model.Subscription{
			Owner:            event.Data.Owner,
			PlanType:         model.PlanFree,
			CreditsTotal:     credits,
			CreditsRemaining: credits,
		}
		return s.store.UpsertSubscription(ctx, sub)

	default:
		log.Printf("Ignoring unhandled billing event type: %s", event.Type)
		return nil
	}
}

// GetMembership returns the caller's subscription, creating the free
// tier on first access.
func (s *BillingService) GetMembership(ctx context.Context, owner string) (*model.Subscription, error) {
	if err := s.store.EnsureSubscription(ctx, owner); err != nil {
		return nil, err
	}
	return s.store.GetSubscription(ctx, owner)
}

func planForPrice(priceID string) model.PlanType {
	switch priceID {
	case "price_pro":
		return model.PlanPro
	case "price_enterprise":
		return model.PlanEnterprise
	default:
		return model.PlanFree
	}
}

func unixTime(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
