// Package demo holds a small set of systems that exercise resolution,
// ordering and scheduling end to end. The run command installs them when
// started with --demo.
package demo

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/zjrosen/tickhost/internal/binding"
	"github.com/zjrosen/tickhost/internal/domain"
	"github.com/zjrosen/tickhost/internal/feature"
	"github.com/zjrosen/tickhost/internal/log"
	"github.com/zjrosen/tickhost/internal/order"
	"github.com/zjrosen/tickhost/internal/resolve"
)

// Clock counts ticks of the domain that owns it. Other domains read it
// through the binding registry.
type Clock struct {
	ticks atomic.Uint64
}

// Ticks returns the number of updates so far.
func (c *Clock) Ticks() uint64 { return c.ticks.Load() }

// ClockSystem binds a *Clock and advances it every tick.
type ClockSystem struct {
	clock Clock
}

func (*ClockSystem) Name() string { return "clock" }

func (s *ClockSystem) Init(ctx context.Context, env domain.Env) error {
	return binding.Bind(ctx, env.Bindings, &s.clock)
}

func (s *ClockSystem) Update(context.Context, domain.Tick) { s.clock.ticks.Add(1) }

// Transport is a feature providing a way to send messages.
type Transport struct {
	Name  string
	Local bool
	sent  atomic.Int64
}

// Sent returns how many messages went through t.
func (t *Transport) Sent() int64 { return t.sent.Load() }

// Network adds a Transport feature after Delay, simulating a connection that
// comes up some time after startup.
type Network struct {
	Delay     time.Duration
	Transport *Transport
}

func (*Network) Name() string { return "network" }

func (n *Network) Init(_ context.Context, env domain.Env) error {
	if n.Transport == nil {
		n.Transport = &Transport{Name: "loopback", Local: true}
	}
	env.Scheduler.After(n.Delay, func(ctx context.Context) {
		if err := env.Features.Add(ctx, n.Transport); err != nil {
			log.Warn(log.CatFeature, "transport not added", "transport", n.Transport.Name, "error", err)
			return
		}
		log.Info(log.CatFeature, "transport up", "transport", n.Transport.Name)
	})
	return nil
}

// Sender waits for the clock binding and collects transports. It is resolved
// as soon as the clock exists but only runs while a transport is present.
type Sender struct {
	clock      *Clock
	transports *feature.Collection[*Transport]
	sent       atomic.Int64
}

func (*Sender) Name() string { return "sender" }

func (s *Sender) Require(r *resolve.Resolver, env domain.Env) error {
	if _, err := resolve.NeedType(r, env.Bindings, &s.clock); err != nil {
		return err
	}
	_, err := resolve.NeedFeatures(r, env.Features, nil, &s.transports)
	return err
}

func (s *Sender) Init(_ context.Context, env domain.Env) error {
	env.Scheduler.OnceFor(func(context.Context) {
		log.Info(log.CatDomain, "sender ready", "domain", env.Domain)
	}, "announce", "sender")
	return nil
}

func (s *Sender) Runnable() bool { return s.transports.Count() > 0 }

func (s *Sender) Update(context.Context, domain.Tick) {
	t, ok := s.transports.First()
	if !ok {
		return
	}
	t.sent.Add(1)
	s.sent.Add(1)
}

// Sent returns how many messages the sender has sent.
func (s *Sender) Sent() int64 { return s.sent.Load() }

// Stage is an ordered step that appends its name to a shared trace each
// tick.
type Stage struct {
	StageName string
	After     []string
	Before    []string
	Trace     func(stage string)
}

func (s *Stage) Name() string { return s.StageName }

func (s *Stage) Constraints() []order.Option {
	var opts []order.Option
	for _, name := range s.After {
		opts = append(opts, order.After(order.Name(name)))
	}
	for _, name := range s.Before {
		opts = append(opts, order.Before(order.Name(name)))
	}
	return opts
}

func (s *Stage) Update(context.Context, domain.Tick) {
	if s.Trace != nil {
		s.Trace(s.StageName)
	}
}

// Reporter logs a summary of the demo every Interval.
type Reporter struct {
	Interval time.Duration
	Clock    *Clock
	Sender   *Sender
}

func (*Reporter) Name() string { return "reporter" }

func (r *Reporter) Require(res *resolve.Resolver, env domain.Env) error {
	_, err := resolve.NeedType(res, env.Bindings, &r.Clock)
	return err
}

func (r *Reporter) Init(_ context.Context, env domain.Env) error {
	env.Scheduler.Every(r.Interval, func(context.Context) {
		fields := []any{"domain", env.Domain, "clock", r.Clock.Ticks()}
		if r.Sender != nil {
			fields = append(fields, "sent", r.Sender.Sent())
		}
		log.Info(log.CatDomain, "demo status", fields...)
	})
	return nil
}

// Systems is the demo wiring for one host.
type Systems struct {
	Clock    *ClockSystem
	Network  *Network
	Sender   *Sender
	Stages   []*Stage
	Reporter *Reporter
}

// New builds the demo systems. Stages run input, physics, render regardless
// of the order they are added in.
func New(transportDelay, reportEvery time.Duration) *Systems {
	sender := &Sender{}
	return &Systems{
		Clock:   &ClockSystem{},
		Network: &Network{Delay: transportDelay},
		Sender:  sender,
		Stages: []*Stage{
			{StageName: "render", After: []string{"physics"}},
			{StageName: "physics", After: []string{"input"}},
			{StageName: "input"},
		},
		Reporter: &Reporter{Interval: reportEvery, Sender: sender},
	}
}

// Adder is satisfied by *host.Host.
type Adder interface {
	AddSystem(domain string, sys domain.System) (*domain.Handle, error)
}

// Install adds the clock and stages to primary and the rest to secondary.
// primary and secondary may name the same domain.
func (s *Systems) Install(h Adder, primary, secondary string) error {
	add := func(name string, sys domain.System) error {
		if _, err := h.AddSystem(name, sys); err != nil {
			return fmt.Errorf("adding %s to %s: %w", sys.Name(), name, err)
		}
		return nil
	}
	if err := add(primary, s.Clock); err != nil {
		return err
	}
	for _, st := range s.Stages {
		if err := add(primary, st); err != nil {
			return err
		}
	}
	for _, sys := range []domain.System{s.Network, s.Sender, s.Reporter} {
		if err := add(secondary, sys); err != nil {
			return err
		}
	}
	return nil
}
