// Package gate decides, per generation request, whether the caller may
// proceed. Entitled users always proceed and are never metered. Everyone else
// draws from the free quota, which is consumed only after a successful
// generation.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vnmchuo/promptdeck/internal/store"
	"github.com/vnmchuo/promptdeck/internal/telemetry"
)

// DefaultStoreTimeout bounds every store round trip made by one gate call.
const DefaultStoreTimeout = 3 * time.Second

type Outcome int

const (
	Proceed Outcome = iota
	Deny
)

func (o Outcome) String() string {
	if o == Proceed {
		return "proceed"
	}
	return "deny"
}

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonQuotaExhausted Reason = "quota_exhausted"
	ReasonUnavailable    Reason = "unavailable"
)

// Decision is the result of Authorize. When Metered is set the caller owes
// exactly one OnSuccess call, and only if the generation succeeded.
type Decision struct {
	Outcome  Outcome
	Reason   Reason
	Entitled bool
	Metered  bool
	Err      error
}

func (d Decision) Allowed() bool {
	return d.Outcome == Proceed
}

// Entitlements is satisfied by *entitlement.Resolver.
type Entitlements interface {
	IsEntitled(ctx context.Context, userID string) (bool, error)
}

// Ledger is satisfied by *quota.Ledger.
type Ledger interface {
	Count(ctx context.Context, userID string) (int, error)
	HasExceededFreeQuota(ctx context.Context, userID string) (bool, error)
	RecordUsage(ctx context.Context, userID string) error
	Limit() int
	Remaining(count int) int
}

type Gate struct {
	entitlements Entitlements
	ledger       Ledger
	timeout      time.Duration
	tracer       trace.Tracer
	metrics      *telemetry.Metrics
}

type Option func(*Gate)

func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gate) { g.tracer = t }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func New(entitlements Entitlements, ledger Ledger, opts ...Option) *Gate {
	g := &Gate{
		entitlements: entitlements,
		ledger:       ledger,
		timeout:      DefaultStoreTimeout,
		tracer:       noop.NewTracerProvider().Tracer("gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// Authorize never returns Proceed when either collaborator failed, and never
// reports a store failure as an exhausted quota.
func (g *Gate) Authorize(ctx context.Context, userID string) Decision {
	ctx, span := g.tracer.Start(ctx, "gate.authorize")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	d := g.authorize(ctx, userID)

	span.SetAttributes(
		attribute.String("gate.outcome", d.Outcome.String()),
		attribute.String("gate.reason", string(d.Reason)),
		attribute.Bool("gate.metered", d.Metered),
	)
	if d.Err != nil {
		span.RecordError(d.Err)
		span.SetStatus(codes.Error, d.Err.Error())
	}
	g.metrics.RecordGateDecision(d.Outcome.String(), string(d.Reason))

	return d
}

func (g *Gate) authorize(ctx context.Context, userID string) Decision {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	entitled, err := g.entitlements.IsEntitled(ctx, userID)
	if err != nil {
		return unavailable(err)
	}
	if entitled {
		return Decision{Outcome: Proceed, Entitled: true}
	}

	exceeded, err := g.ledger.HasExceededFreeQuota(ctx, userID)
	if err != nil {
		return unavailable(err)
	}
	if exceeded {
		return Decision{Outcome: Deny, Reason: ReasonQuotaExhausted}
	}

	return Decision{Outcome: Proceed, Metered: true}
}

func unavailable(err error) Decision {
	if !store.IsUnavailable(err) {
		err = store.Unavailable("gate", err)
	}
	return Decision{Outcome: Deny, Reason: ReasonUnavailable, Err: err}
}

// OnSuccess consumes one unit of free quota. Call it once, after a metered
// Proceed, and only when the generation succeeded.
func (g *Gate) OnSuccess(ctx context.Context, userID string) error {
	ctx, span := g.tracer.Start(ctx, "gate.on_success")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	if err := g.ledger.RecordUsage(ctx, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.metrics.RecordUsage("lost")
		return err
	}
	g.metrics.RecordUsage("ok")
	return nil
}

// Run authorizes userID, calls fn on Proceed and records usage when the call
// was metered and fn succeeded. A denied decision is returned with a nil
// error; fn's error is returned as is. A failed usage recording is logged and
// does not fail the request.
func (g *Gate) Run(ctx context.Context, userID string, fn func(ctx context.Context) error) (Decision, error) {
	d := g.Authorize(ctx, userID)
	if !d.Allowed() {
		return d, nil
	}

	if err := fn(ctx); err != nil {
		return d, err
	}

	if d.Metered {
		// The response is already produced; detach from request cancellation.
		if err := g.OnSuccess(context.WithoutCancel(ctx), userID); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("free usage not recorded after successful generation")
		}
	}
	return d, nil
}

// Status is the display view of a user's plan and quota.
type Status struct {
	Entitled  bool `json:"is_pro"`
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
}

func (g *Gate) Status(ctx context.Context, userID string) (*Status, error) {
	ctx, span := g.tracer.Start(ctx, "gate.status")
	defer span.End()

	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	entitled, err := g.entitlements.IsEntitled(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	used, err := g.ledger.Count(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &Status{
		Entitled:  entitled,
		Used:      used,
		Limit:     g.ledger.Limit(),
		Remaining: g.ledger.Remaining(used),
	}, nil
}

// IsUnavailable reports whether d was denied because a store could not be
// reached.
func IsUnavailable(d Decision) bool {
	return d.Reason == ReasonUnavailable || errors.Is(d.Err, store.ErrUnavailable)
}
