package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chordfinder/api/internal/model"
)

// EnsureSubscription creates a free-plan row for an owner if none
// exists yet. Safe to call on every request.
func (s *Store) EnsureSubscription(ctx context.Context, owner string) error {
	credits := model.CreditsForPlan(model.PlanFree)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (owner, plan_type, credits_total, credits_remaining, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(owner) DO NOTHING`,
		owner,
		string(model.PlanFree),
		credits,
		credits,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ensure subscription: %w", err)
	}
	return nil
}

// GetSubscription returns the subscription row for an owner.
func (s *Store) GetSubscription(ctx context.Context, owner string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT owner, customer_id, subscription_id, plan_type, credits_total, credits_remaining,
                current_period_start, current_period_end, cancel_at_period_end, updated_at
         FROM subscriptions WHERE owner = ?`, owner)

	var (
		sub         model.Subscription
		customerID  sql.NullString
		subID       sql.NullString
		planType    string
		periodStart sql.NullString
		periodEnd   sql.NullString
		cancel      int
		updatedAt   string
	)
	err := row.Scan(&sub.Owner, &customerID, &subID, &planType, &sub.CreditsTotal,
		&sub.CreditsRemaining, &periodStart, &periodEnd, &cancel, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.CustomerID = customerID.String
	sub.SubscriptionID = subID.String
	sub.PlanType = model.PlanType(planType)
	sub.CancelAtPeriodEnd = cancel != 0
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		sub.UpdatedAt = ts
	}
	if periodStart.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, periodStart.String); err == nil {
			sub.CurrentPeriodStart = &ts
		}
	}
	if periodEnd.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, periodEnd.String); err == nil {
			sub.CurrentPeriodEnd = &ts
		}
	}

	return &sub, nil
}

// UpsertSubscription writes a full subscription row from a billing
// checkout event, resetting credits to the plan allowance.
func (s *Store) UpsertSubscription(ctx context.Context, sub *model.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (owner, customer_id, subscription_id, plan_type, credits_total,
                credits_remaining, current_period_start, current_period_end, cancel_at_period_end, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(owner) DO UPDATE SET
             customer_id = excluded.customer_id,
             subscription_id = excluded.subscription_id,
             plan_type = excluded.plan_type,
             credits_total = excluded.credits_total,
             credits_remaining = excluded.credits_remaining,
             current_period_start = excluded.current_period_start,
             current_period_end = excluded.current_period_end,
             cancel_at_period_end = excluded.cancel_at_period_end,
             updated_at = excluded.updated_at`,
		sub.Owner,
		nullableString(sub.CustomerID),
		nullableString(sub.SubscriptionID),
		string(sub.PlanType),
		sub.CreditsTotal,
		sub.CreditsRemaining,
		nullableTime(sub.CurrentPeriodStart),
		nullableTime(sub.CurrentPeriodEnd),
		boolInt(sub.CancelAtPeriodEnd),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// UpdateSubscriptionPeriod refreshes the billing period fields without
// touching credits.
func (s *Store) UpdateSubscriptionPeriod(ctx context.Context, owner string, start, end *time.Time, cancelAtPeriodEnd bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
         SET current_period_start = ?, current_period_end = ?, cancel_at_period_end = ?, updated_at = ?
         WHERE owner = ?`,
		nullableTime(start),
		nullableTime(end),
		boolInt(cancelAtPeriodEnd),
		time.Now().UTC().Format(time.RFC3339Nano),
		owner,
	)
	if err != nil {
		return fmt.Errorf("update subscription period: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ConsumeCredit decrements the owner's remaining credits by one. The
// guard keeps credits_remaining from ever going negative.
func (s *Store) ConsumeCredit(ctx context.Context, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions
         SET credits_remaining = credits_remaining - 1, updated_at = ?
         WHERE owner = ? AND credits_remaining > 0`,
		time.Now().UTC().Format(time.RFC3339Nano),
		owner,
	)
	if err != nil {
		return fmt.Errorf("consume credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetSubscription(ctx, owner); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNoCredits
	}
	return nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
