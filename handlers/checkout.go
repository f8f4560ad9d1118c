package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"sentimetry.app/cloud/billing"
	"sentimetry.app/cloud/internal/logger"
)

type CheckoutRequest struct {
	Plan  string `json:"plan"`
	Email string `json:"email"`
	Trial *bool  `json:"trial,omitempty"`
}

type CheckoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
}

// Stubbed in tests; the live path goes to Stripe.
var createCheckoutSession = func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return session.New(params)
}

// CreateCheckout starts a Stripe checkout session for one of the
// configured plans and hands the redirect URL back to the caller.
func (s *Server) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Email == "" {
		writeErrorResponse(w, http.StatusBadRequest, "email required")
		return
	}

	plan, err := billing.PlanByName(req.Plan)
	if errors.Is(err, billing.ErrUnknownPlan) {
		writeErrorResponse(w, http.StatusBadRequest, "Invalid plan selected")
		return
	}

	// Trial defaults to on, matching the pricing page flow.
	trial := true
	if req.Trial != nil {
		trial = *req.Trial
	}

	params := &stripe.CheckoutSessionParams{
		CustomerEmail: stripe.String(req.Email),
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(plan.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(s.Config.Domain + "/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:  stripe.String(s.Config.Domain + "/pricing"),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"plan": plan.Name},
		},
	}
	if trial {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(7)
	}
	params.AddMetadata("plan", plan.Name)
	params.AddMetadata("email", req.Email)
	if trial {
		params.AddMetadata("trial", "true")
	}

	sess, err := createCheckoutSession(params)
	if err != nil {
		logger.Error("Failed to create checkout session", map[string]interface{}{
			"error": err.Error(),
			"plan":  plan.Name,
			"email": req.Email,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Failed to create checkout session")
		return
	}

	logger.Info("Checkout session created", map[string]interface{}{
		"session_id": sess.ID,
		"plan":       plan.Name,
	})

	writeJSON(w, http.StatusOK, CheckoutResponse{CheckoutURL: sess.URL})
}
