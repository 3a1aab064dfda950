package payments

import (
	"context"
	"fmt"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// Plan describes the single paid plan sold at checkout when no Stripe price
// ID is configured.
type Plan struct {
	Name        string
	Description string
	Currency    string
	UnitAmount  int64 // in the smallest currency unit
	Interval    string
}

var DefaultPlan = Plan{
	Name:        "Genius Pro",
	Description: "Unlimited AI Generations",
	Currency:    "usd",
	UnitAmount:  2000,
	Interval:    "month",
}

type CheckoutInput struct {
	UserID     string
	Email      string
	SuccessURL string
	CancelURL  string
}

// Stripe is the part of the Stripe API the billing handlers use.
type Stripe interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	NewCheckoutSession(ctx context.Context, in CheckoutInput) (string, error)
	NewPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// StripeAPI implements Stripe with stripe-go.
type StripeAPI struct {
	sc      *client.API
	priceID string
	plan    Plan
}

func NewStripeAPI(secretKey, priceID string) *StripeAPI {
	return &StripeAPI{
		sc:      client.New(secretKey, nil),
		priceID: priceID,
		plan:    DefaultPlan,
	}
}

func (s *StripeAPI) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx

	sub, err := s.sc.Subscriptions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get subscription %s: %w", id, err)
	}
	return fromStripeSubscription(sub), nil
}

func fromStripeSubscription(sub *stripelib.Subscription) *Subscription {
	out := &Subscription{
		ID:       sub.ID,
		Status:   string(sub.Status),
		Metadata: sub.Metadata,
	}
	if sub.Customer != nil {
		out.Customer = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			var it subscriptionItem
			if item.Price != nil {
				it.Price.ID = item.Price.ID
			}
			it.CurrentPeriodEnd = item.CurrentPeriodEnd
			out.Items.Data = append(out.Items.Data, it)
		}
	}
	return out
}

func (s *StripeAPI) NewCheckoutSession(ctx context.Context, in CheckoutInput) (string, error) {
	lineItem := &stripelib.CheckoutSessionLineItemParams{Quantity: stripelib.Int64(1)}
	if s.priceID != "" {
		lineItem.Price = stripelib.String(s.priceID)
	} else {
		lineItem.PriceData = &stripelib.CheckoutSessionLineItemPriceDataParams{
			Currency: stripelib.String(s.plan.Currency),
			ProductData: &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
				Name:        stripelib.String(s.plan.Name),
				Description: stripelib.String(s.plan.Description),
			},
			UnitAmount: stripelib.Int64(s.plan.UnitAmount),
			Recurring: &stripelib.CheckoutSessionLineItemPriceDataRecurringParams{
				Interval: stripelib.String(s.plan.Interval),
			},
		}
	}

	params := &stripelib.CheckoutSessionParams{
		Mode:                     stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		SuccessURL:               stripelib.String(in.SuccessURL),
		CancelURL:                stripelib.String(in.CancelURL),
		BillingAddressCollection: stripelib.String("auto"),
		LineItems:                []*stripelib.CheckoutSessionLineItemParams{lineItem},
		SubscriptionData: &stripelib.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{metadataUserID: in.UserID},
		},
	}
	if in.Email != "" {
		params.CustomerEmail = stripelib.String(in.Email)
	}
	params.AddMetadata(metadataUserID, in.UserID)
	params.Context = ctx

	sess, err := s.sc.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (s *StripeAPI) NewPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripelib.BillingPortalSessionParams{
		Customer:  stripelib.String(customerID),
		ReturnURL: stripelib.String(returnURL),
	}
	params.Context = ctx

	sess, err := s.sc.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe: create portal session: %w", err)
	}
	return sess.URL, nil
}

// unixTime converts a Stripe timestamp; zero stays the zero time.
func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
