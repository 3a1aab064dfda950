package generation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/promptdeck/internal/provider"
)

// ErrNoProvider means every provider for a capability is missing or has an
// open circuit.
var ErrNoProvider = errors.New("all providers unavailable")

// Providers lists the backends per capability, in preference order.
type Providers struct {
	Chat  []provider.Provider
	Image []provider.ImageProvider
	Music []provider.MusicProvider
	Video []provider.VideoProvider
}

// Router picks a backend per capability and guards each one with a circuit
// breaker. A provider serving several capabilities shares one breaker.
type Router struct {
	providers Providers
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers Providers) *Router {
	r := &Router{
		providers: providers,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, p := range providers.Chat {
		r.addBreaker(p.Name())
	}
	for _, p := range providers.Image {
		r.addBreaker(p.Name())
	}
	for _, p := range providers.Music {
		r.addBreaker(p.Name())
	}
	for _, p := range providers.Video {
		r.addBreaker(p.Name())
	}
	return r
}

func (r *Router) addBreaker(name string) {
	if _, ok := r.breakers[name]; ok {
		return
	}
	r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

func (r *Router) open(name string) bool {
	return r.breakers[name].State() == gobreaker.StateOpen
}

// Route picks the chat provider for req: the first one supporting req.Model,
// or the cheapest when no model is requested.
func (r *Router) Route(ctx context.Context, req *provider.Request) (provider.Provider, error) {
	var candidates []provider.Provider
	for _, p := range r.providers.Chat {
		if r.open(p.Name()) {
			continue
		}

		if req.Model != "" {
			for _, m := range p.SupportedModels() {
				if m == req.Model {
					candidates = append(candidates, p)
					break
				}
			}
		} else {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}

	if req.Model != "" {
		return candidates[0], nil
	}

	best := candidates[0]
	for _, p := range candidates[1:] {
		if p.CostPerInputToken() < best.CostPerInputToken() {
			best = p
		}
	}
	return best, nil
}

func (r *Router) Execute(ctx context.Context, req *provider.Request, p provider.Provider) (*provider.Response, error) {
	cb := r.breakers[p.Name()]
	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

func (r *Router) ExecuteStream(ctx context.Context, req *provider.Request, p provider.Provider) (<-chan *provider.Chunk, error) {
	cb := r.breakers[p.Name()]
	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", p.Name())
	}

	origCh, err := p.CompleteStream(ctx, req)
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}

func (r *Router) GenerateImage(ctx context.Context, req *provider.ImageRequest) (*provider.MediaResponse, error) {
	for _, p := range r.providers.Image {
		if r.open(p.Name()) {
			continue
		}
		return r.executeMedia(p.Name(), func() (*provider.MediaResponse, error) {
			return p.GenerateImage(ctx, req)
		})
	}
	return nil, ErrNoProvider
}

func (r *Router) GenerateMusic(ctx context.Context, req *provider.MediaRequest) (*provider.MediaResponse, error) {
	for _, p := range r.providers.Music {
		if r.open(p.Name()) {
			continue
		}
		return r.executeMedia(p.Name(), func() (*provider.MediaResponse, error) {
			return p.GenerateMusic(ctx, req)
		})
	}
	return nil, ErrNoProvider
}

func (r *Router) GenerateVideo(ctx context.Context, req *provider.MediaRequest) (*provider.MediaResponse, error) {
	for _, p := range r.providers.Video {
		if r.open(p.Name()) {
			continue
		}
		return r.executeMedia(p.Name(), func() (*provider.MediaResponse, error) {
			return p.GenerateVideo(ctx, req)
		})
	}
	return nil, ErrNoProvider
}

func (r *Router) executeMedia(name string, fn func() (*provider.MediaResponse, error)) (*provider.MediaResponse, error) {
	result, err := r.breakers[name].Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.MediaResponse), nil
}
