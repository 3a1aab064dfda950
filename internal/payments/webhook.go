package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/vnmchuo/promptdeck/internal/entitlement"
	"github.com/vnmchuo/promptdeck/internal/telemetry"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// ErrMissingUserID means a completed checkout carried no userId metadata, so
// the subscription cannot be attached to anyone.
var ErrMissingUserID = errors.New("checkout session has no user id")

// CheckoutSession is the subset of a checkout.session event we read.
type CheckoutSession struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// Invoice is the subset of an invoice event we read. Newer API versions move
// the subscription under parent.subscription_details.
type Invoice struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (i *Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return i.Subscription
	}
	return i.Parent.SubscriptionDetails.Subscription
}

// WebhookHandler applies verified Stripe events to the subscription store.
type WebhookHandler struct {
	secret        string
	stripe        Stripe
	subscriptions entitlement.Store
	metrics       *telemetry.Metrics
}

func NewWebhookHandler(secret string, stripe Stripe, subscriptions entitlement.Store, metrics *telemetry.Metrics) *WebhookHandler {
	return &WebhookHandler{
		secret:        secret,
		stripe:        stripe,
		subscriptions: subscriptions,
		metrics:       metrics,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	result := "ok"
	defer func() {
		h.metrics.RecordWebhookEvent(eventType, result)
	}()

	if strings.TrimSpace(h.secret) == "" {
		result = "unconfigured"
		writeError(w, http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		result = "bad_request"
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		result = "bad_signature"
		writeError(w, http.StatusBadRequest, "missing Stripe signature")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		result = "bad_signature"
		writeError(w, http.StatusBadRequest, "invalid Stripe signature")
		return
	}
	eventType = string(event.Type)

	if err := h.handleEvent(r.Context(), &event); err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("stripe webhook processing failed")
		if errors.Is(err, ErrMissingUserID) {
			result = "bad_request"
			writeError(w, http.StatusBadRequest, "user id is required")
			return
		}
		result = "error"
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event *stripelib.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session: %w", err)
		}
		return h.checkoutCompleted(ctx, &session)

	case "invoice.payment_succeeded":
		var invoice Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("decode invoice: %w", err)
		}
		subID := invoice.SubscriptionID()
		if subID == "" {
			return nil
		}
		sub, err := h.stripe.GetSubscription(ctx, subID)
		if err != nil {
			return err
		}
		return h.applySubscription(ctx, sub, sub.PriceID())

	case "customer.subscription.updated":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		priceID := sub.PriceID()
		if sub.Ended() {
			priceID = ""
		}
		return h.applySubscription(ctx, &sub, priceID)

	case "customer.subscription.deleted":
		var sub Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.applySubscription(ctx, &sub, "")

	default:
		log.Debug().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("stripe webhook ignored")
		return nil
	}
}

func (h *WebhookHandler) checkoutCompleted(ctx context.Context, session *CheckoutSession) error {
	userID := strings.TrimSpace(session.Metadata[metadataUserID])
	if userID == "" {
		return ErrMissingUserID
	}
	if session.Subscription == "" {
		log.Warn().Str("session_id", session.ID).Str("mode", session.Mode).Msg("checkout completed without a subscription")
		return nil
	}

	sub, err := h.stripe.GetSubscription(ctx, session.Subscription)
	if err != nil {
		return err
	}

	customerID := sub.Customer
	if customerID == "" {
		customerID = session.Customer
	}

	rec := &entitlement.SubscriptionRecord{
		UserID:           userID,
		CustomerID:       customerID,
		SubscriptionID:   sub.ID,
		PriceID:          sub.PriceID(),
		CurrentPeriodEnd: sub.PeriodEnd(),
	}
	if err := h.subscriptions.UpsertSubscription(ctx, rec); err != nil {
		return fmt.Errorf("upsert subscription for %s: %w", userID, err)
	}

	log.Info().Str("user_id", userID).Str("subscription_id", sub.ID).Msg("subscription created")
	return nil
}

// applySubscription refreshes the stored record for sub. Events for
// subscriptions we have not stored yet are adopted when the subscription
// names its user, and acknowledged otherwise; a later checkout event
// fetches the current state anyway.
func (h *WebhookHandler) applySubscription(ctx context.Context, sub *Subscription, priceID string) error {
	userID, err := h.subscriptions.UpdateSubscription(ctx, sub.ID, priceID, sub.PeriodEnd())
	if err == nil {
		log.Info().Str("user_id", userID).Str("subscription_id", sub.ID).Bool("active", priceID != "").Msg("subscription updated")
		return nil
	}
	if !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}

	userID = strings.TrimSpace(sub.Metadata[metadataUserID])
	if userID == "" {
		log.Warn().Str("subscription_id", sub.ID).Msg("webhook for unknown subscription")
		return nil
	}
	return h.subscriptions.UpsertSubscription(ctx, &entitlement.SubscriptionRecord{
		UserID:           userID,
		CustomerID:       sub.Customer,
		SubscriptionID:   sub.ID,
		PriceID:          priceID,
		CurrentPeriodEnd: sub.PeriodEnd(),
	})
}
