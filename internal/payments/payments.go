// Package payments connects users to the Stripe-hosted checkout and billing
// portal, and applies Stripe webhook events to the subscription store that
// entitlement reads from.
package payments

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vnmchuo/promptdeck/internal/auth"
	"github.com/vnmchuo/promptdeck/internal/entitlement"
	"github.com/vnmchuo/promptdeck/internal/store"
)

// metadataUserID links a checkout session and its subscription to our user.
const metadataUserID = "userId"

// Subscription is the subset of a Stripe subscription this package reads,
// decoded either from webhook event data or from the API.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	// Older API versions carry the period on the subscription itself.
	CurrentPeriodEnd int64 `json:"current_period_end"`
	Items            struct {
		Data []subscriptionItem `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

type subscriptionItem struct {
	Price struct {
		ID string `json:"id"`
	} `json:"price"`
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

func (s *Subscription) PriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}

func (s *Subscription) PeriodEnd() time.Time {
	if len(s.Items.Data) > 0 && s.Items.Data[0].CurrentPeriodEnd != 0 {
		return unixTime(s.Items.Data[0].CurrentPeriodEnd)
	}
	return unixTime(s.CurrentPeriodEnd)
}

// Ended reports whether Stripe will never bill this subscription again.
func (s *Subscription) Ended() bool {
	switch s.Status {
	case "canceled", "incomplete_expired", "unpaid":
		return true
	}
	return false
}

// Handler serves GET /api/stripe.
type Handler struct {
	stripe        Stripe
	subscriptions entitlement.Reader
	returnURL     string
}

func NewHandler(stripe Stripe, subscriptions entitlement.Reader, appURL string) *Handler {
	return &Handler{
		stripe:        stripe,
		subscriptions: subscriptions,
		returnURL:     strings.TrimRight(appURL, "/") + "/settings",
	}
}

// HandleManage returns a billing portal URL for existing customers and a
// checkout URL for everyone else.
func (h *Handler) HandleManage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.GetUserID(ctx)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	rec, err := h.subscriptions.GetSubscription(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to load subscription")
		if store.IsUnavailable(err) {
			writeError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var url string
	if rec != nil && rec.CustomerID != "" {
		url, err = h.stripe.NewPortalSession(ctx, rec.CustomerID, h.returnURL)
	} else {
		url, err = h.stripe.NewCheckoutSession(ctx, CheckoutInput{
			UserID:     userID,
			SuccessURL: h.returnURL,
			CancelURL:  h.returnURL,
		})
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("stripe session failed")
		writeError(w, http.StatusBadGateway, "billing provider error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
