package pricing

import (
	"context"

	apperrors "github.com/listing-tracker/internal/errors"
	"github.com/listing-tracker/internal/models"
)

// BudgetWaiter blocks until a call fits the shared advisor budget
type BudgetWaiter interface {
	Wait(ctx context.Context) error
}

// BudgetedAdvisor draws one unit of the shared call budget before every
// estimate. An exhausted budget reads as an unavailable advisor.
type BudgetedAdvisor struct {
	next   Advisor
	budget BudgetWaiter
}

// NewBudgetedAdvisor wraps next with a call budget
func NewBudgetedAdvisor(next Advisor, budget BudgetWaiter) *BudgetedAdvisor {
	return &BudgetedAdvisor{next: next, budget: budget}
}

// Estimate implements Advisor
func (b *BudgetedAdvisor) Estimate(ctx context.Context, features Features) (*models.PriceEstimate, error) {
	if err := b.budget.Wait(ctx); err != nil {
		return nil, apperrors.NewAdvisorUnavailableError("budget", err)
	}
	return b.next.Estimate(ctx, features)
}
