package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tinkerbelle-io/tb-harden/internal/retry"
)

// Stage is how far a gate invocation got.
type Stage string

const (
	StageTCP      Stage = "tcp"
	StageAppReady Stage = "app-ready"
	StageSettled  Stage = "settled"
)

// Result is the outcome of one gate invocation.
type Result struct {
	Stage   Stage         `json:"stage"`
	Healthy bool          `json:"healthy"`
	Detail  string        `json:"detail,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Target describes what to probe.
type Target struct {
	Component string
	Host      string
	Port      int
	Path      string
	Scheme    string
	// Worker targets have no control-plane manifest; only the node agent
	// unit is checked.
	Worker bool
	Unit   string
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// URL returns the health endpoint URL.
func (t Target) URL() string {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, t.Addr(), t.Path)
}

// ServiceManager reports unit state.
type ServiceManager interface {
	IsActive(ctx context.Context, unit string) (bool, error)
}

// ClusterChecker confirms the API view of a component once it answers
// locally.
type ClusterChecker interface {
	Ready(ctx context.Context, component string) error
}

// Config bounds the gate.
type Config struct {
	Interval   time.Duration
	MaxRetries int
	Settle     time.Duration
}

// DefaultConfig returns the production bounds.
func DefaultConfig() Config {
	return Config{
		Interval:   5 * time.Second,
		MaxRetries: 60,
		Settle:     15 * time.Second,
	}
}

// Gate probes a component until it is healthy or the budget runs out.
type Gate struct {
	cfg      Config
	prober   Prober
	services ServiceManager
	cluster  ClusterChecker
	clock    clockwork.Clock
	log      *slog.Logger
}

// NewGate creates a gate. cluster may be nil.
func NewGate(cfg Config, prober Prober, services ServiceManager, cluster ClusterChecker, clock clockwork.Clock) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{
		cfg:      cfg,
		prober:   prober,
		services: services,
		cluster:  cluster,
		clock:    clock,
		log:      slog.Default().With("component", "health-gate"),
	}
}

// Check runs the gate against t. Failure to reach settled within
// Interval*MaxRetries yields an unhealthy result; the caller must roll back.
func (g *Gate) Check(ctx context.Context, t Target) Result {
	start := g.clock.Now()
	res := g.check(ctx, t)
	res.Elapsed = g.clock.Since(start)

	if res.Healthy {
		g.log.Info("component healthy", "target", t.Component, "stage", res.Stage, "elapsed", res.Elapsed)
	} else {
		g.log.Warn("component unhealthy", "target", t.Component, "stage", res.Stage, "detail", res.Detail)
	}
	return res
}

func (g *Gate) check(ctx context.Context, t Target) Result {
	if t.Worker {
		return g.checkWorker(ctx, t)
	}

	policy := retry.Policy{
		Interval:    g.cfg.Interval,
		MaxAttempts: g.cfg.MaxRetries,
		Timeout:     g.cfg.Interval * time.Duration(g.cfg.MaxRetries),
		Clock:       g.clock,
	}
	deadline := g.clock.Now().Add(policy.Budget())

	stage := StageTCP
	err := policy.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		if stage == StageTCP {
			if err := g.prober.Dial(ctx, t.Addr()); err != nil {
				return false, fmt.Errorf("dial %s: %w", t.Addr(), err)
			}
			stage = StageAppReady
		}
		code, err := g.prober.Get(ctx, t.URL())
		switch Classify(code, err) {
		case Ready:
			return true, nil
		case Initializing:
			return false, fmt.Errorf("still initializing (HTTP %d)", code)
		default:
			if err != nil {
				return false, fmt.Errorf("GET %s: %w", t.URL(), err)
			}
			return false, fmt.Errorf("unexpected HTTP %d", code)
		}
	})
	if err != nil {
		return Result{Stage: stage, Detail: describe(err)}
	}

	if g.cluster != nil {
		remaining := deadline.Sub(g.clock.Now())
		attempts := 1
		if g.cfg.Interval > 0 && remaining > 0 {
			attempts = max(int(remaining/g.cfg.Interval), 1)
		}
		cp := retry.Policy{Interval: g.cfg.Interval, MaxAttempts: attempts, Clock: g.clock}
		err := cp.Do(ctx, func(ctx context.Context, _ int) (bool, error) {
			if err := g.cluster.Ready(ctx, t.Component); err != nil {
				return false, err
			}
			return true, nil
		})
		if err != nil {
			return Result{Stage: StageAppReady, Detail: "cluster view: " + describe(err)}
		}
	}

	if err := retry.Sleep(ctx, g.clock, g.cfg.Settle); err != nil {
		return Result{Stage: StageAppReady, Detail: describe(err)}
	}
	return Result{Stage: StageSettled, Healthy: true, Detail: fmt.Sprintf("%s ready, settled %s", t.URL(), g.cfg.Settle)}
}

func (g *Gate) checkWorker(ctx context.Context, t Target) Result {
	unit := t.Unit
	if unit == "" {
		unit = "kubelet"
	}
	active, err := g.services.IsActive(ctx, unit)
	if err != nil {
		return Result{Stage: StageAppReady, Detail: err.Error()}
	}
	if !active {
		return Result{Stage: StageAppReady, Detail: unit + " is not active"}
	}
	return Result{Stage: StageSettled, Healthy: true, Detail: unit + " active"}
}

func describe(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, retry.ErrTimedOut), errors.Is(err, retry.ErrExhausted):
		return "never became healthy: " + err.Error()
	}
	return err.Error()
}
