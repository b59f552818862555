package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/lead_agent/internal/browserapi"
	"github.com/dgnsrekt/lead_agent/internal/events"
	"github.com/dgnsrekt/lead_agent/internal/kvstore"
	"github.com/dgnsrekt/lead_agent/internal/providers"
)

func testSettings() Settings {
	s := DefaultSettings()
	s.RetryDelay = time.Millisecond
	s.CompletedGrace = time.Hour
	s.CancelledGrace = time.Hour
	s.FocusCycleInterval = 5 * time.Millisecond
	return s
}

func testRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	reg := providers.NewRegistry()
	for _, name := range []string{"swisslife", "alpha"} {
		p, err := providers.NewURLProvider(name, "https://quote.example.com/"+name, "")
		if err != nil {
			t.Fatalf("NewURLProvider(%s) = %v", name, err)
		}
		reg.Register(p)
	}
	return reg
}

func makeLeads(n int) []Lead {
	out := make([]Lead, n)
	for i := range out {
		out[i] = Lead{ID: fmt.Sprintf("L%d", i+1), Name: fmt.Sprintf("Lead %d", i+1)}
	}
	return out
}

// clock hands out strictly increasing times.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) count(typ string) int {
	n := 0
	for _, t := range r.types() {
		if t == typ {
			n++
		}
	}
	return n
}

type testEnv struct {
	ctx     context.Context
	store   *kvstore.Memory
	browser *browserapi.Fake
	o       *Orchestrator
	events  *recorder
}

func newTestEnv(t *testing.T, mutate ...func(*Settings)) *testEnv {
	t.Helper()
	s := testSettings()
	for _, fn := range mutate {
		fn(&s)
	}
	env := &testEnv{
		ctx:     context.Background(),
		store:   kvstore.NewMemory(),
		browser: browserapi.NewFake(),
		events:  &recorder{},
	}
	env.o = NewOrchestrator(env.store, env.browser, testRegistry(t), s, WithEvents(env.events))
	c := newClock()
	env.o.now = c.Now
	env.o.Runs.now = c.Now
	env.o.Pool.now = c.Now
	env.o.Isolated.now = c.Now
	t.Cleanup(env.o.Focus.Stop)
	return env
}

func (e *testEnv) pool(t *testing.T) *Pool {
	t.Helper()
	pool, err := e.o.Pool.Get(e.ctx)
	if err != nil {
		t.Fatalf("Pool.Get() = %v", err)
	}
	return pool
}

func (e *testEnv) run(t *testing.T) *RunState {
	t.Helper()
	run, err := e.o.Runs.Get(e.ctx)
	if err != nil {
		t.Fatalf("Runs.Get() = %v", err)
	}
	return run
}

// tabFor returns the pool tab holding groupID.
func (e *testEnv) tabFor(t *testing.T, groupID string) browserapi.TabID {
	t.Helper()
	id, ok := e.pool(t).assignedGroups()[groupID]
	if !ok {
		t.Fatalf("no pool tab holds %s", groupID)
	}
	return id
}
