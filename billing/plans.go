package billing

import (
	"errors"
	"fmt"

	"sentimetry.app/cloud/models"
)

// ErrUnknownPlan rejects checkout for a plan that is not configured.
var ErrUnknownPlan = errors.New("unknown plan")

// Plan ties a purchasable plan name to its Stripe price and the tier it
// provisions.
type Plan struct {
	Name    string
	Tier    models.Tier
	PriceID string
	Amount  int64 // cents per month
}

var plans = map[string]Plan{
	"starter": {
		Name:    "starter",
		Tier:    models.TierStarter,
		PriceID: "price_starter_monthly",
		Amount:  2900,
	},
	"professional": {
		Name:    "professional",
		Tier:    models.TierProfessional,
		PriceID: "price_professional_monthly",
		Amount:  9900,
	},
	"enterprise": {
		Name:    "enterprise",
		Tier:    models.TierEnterprise,
		PriceID: "price_enterprise_monthly",
		Amount:  29900,
	},
}

// PlanByName resolves a plan by its public name.
func PlanByName(name string) (Plan, error) {
	plan, ok := plans[name]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	return plan, nil
}

// PlanNames lists the configured plan names.
func PlanNames() []string {
	names := make([]string, 0, len(plans))
	for name := range plans {
		names = append(names, name)
	}
	return names
}
