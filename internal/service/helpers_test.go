package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/runstream/internal/domain/event"
	"github.com/Strob0t/runstream/internal/domain/toolcall"
	"github.com/Strob0t/runstream/internal/port/toolregistry"
)

// seqIDs returns a goroutine-safe generator of prefix1, prefix2, ...
func seqIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

// fixedClock always returns the same instant.
func fixedClock() time.Time { return time.UnixMilli(1_700_000_000_000) }

// fakeRegistry is an in-memory toolregistry.Registry.
type fakeRegistry struct {
	mu        sync.Mutex
	manifests map[string]toolregistry.Manifest
	apis      map[string]toolregistry.API
	loadErr   map[string]error
	loads     map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		manifests: make(map[string]toolregistry.Manifest),
		apis:      make(map[string]toolregistry.API),
		loadErr:   make(map[string]error),
		loads:     make(map[string]int),
	}
}

func (r *fakeRegistry) add(m toolregistry.Manifest, fn toolregistry.APIFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[m.Name] = m
	if fn != nil {
		r.apis[m.Name] = fn
	}
}

func (r *fakeRegistry) Manifest(_ context.Context, name string) (toolregistry.Manifest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[name]
	return m, ok
}

func (r *fakeRegistry) LoadAPI(_ context.Context, name string) (toolregistry.API, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads[name]++
	if err := r.loadErr[name]; err != nil {
		return nil, err
	}
	api, ok := r.apis[name]
	if !ok {
		return nil, toolregistry.ErrNoAPI
	}
	return api, nil
}

func (r *fakeRegistry) loadCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loads[name]
}

// updateRecorder collects executor updates.
type updateRecorder struct {
	mu      sync.Mutex
	updates []toolcall.Update
}

func (u *updateRecorder) record(up toolcall.Update) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.updates = append(u.updates, up)
}

func (u *updateRecorder) all() []toolcall.Update {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]toolcall.Update, len(u.updates))
	copy(out, u.updates)
	return out
}

// describe renders updates as "status(id)=s" and "result(id)" strings.
func describe(updates []toolcall.Update) []string {
	out := make([]string, 0, len(updates))
	for _, up := range updates {
		switch up.Kind {
		case toolcall.UpdateStatus:
			out = append(out, fmt.Sprintf("status(%s)=%s", up.ToolCallID, up.Status))
		case toolcall.UpdateResult:
			if up.Result.Failed() {
				out = append(out, fmt.Sprintf("result(%s)=error", up.ToolCallID))
			} else {
				out = append(out, fmt.Sprintf("result(%s)=ok", up.ToolCallID))
			}
		}
	}
	return out
}

// sinkRecorder is a Sink collecting events.
type sinkRecorder struct {
	mu     sync.Mutex
	events []event.Event
	failAt int // fail the n-th Send (1-based); 0 never fails
}

func (s *sinkRecorder) Send(_ context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt > 0 && len(s.events)+1 == s.failAt {
		return fmt.Errorf("broken pipe")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *sinkRecorder) types() []event.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Type, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type())
	}
	return out
}
