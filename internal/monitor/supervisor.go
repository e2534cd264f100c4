package monitor

import (
	"context"
	"sort"
	"sync"

	"healthmon/internal/model"
)

// Supervisor keeps at most one live Connection per service id.
type Supervisor struct {
	deps   *Deps
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[string]*Connection
	wg     sync.WaitGroup
	closed bool
}

func NewSupervisor(deps Deps) *Supervisor {
	deps.Retry = retryOrDefault(deps.Retry)
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		deps:   &deps,
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[string]*Connection),
	}
}

// EnsureConnection starts a connection for svc unless one is live. A live
// connection whose address, port or kind changed is replaced; a rename is
// applied in place. It reports whether a connection was started.
func (s *Supervisor) EnsureConnection(svc model.RegisteredService) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if c, ok := s.conns[svc.ID]; ok {
		cur := c.Service()
		if cur.Address == svc.Address && cur.Port == svc.Port && cur.Kind == svc.Kind {
			if cur.Name != svc.Name {
				c.rename(svc.Name)
				s.deps.State.Ensure(svc.ID, svc.Name)
			}
			return false
		}
		c.close(false)
		delete(s.conns, svc.ID)
	}
	c := newConnection(s.ctx, svc, s.deps, s.deps.State.Claim(svc.ID, svc.Name))
	s.conns[svc.ID] = c
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run()
	}()
	s.deps.Metrics.SetActiveStreams(len(s.conns))
	if s.deps.Logger != nil {
		s.deps.Logger.Info("stream started", "service_id", svc.ID, "service_name", svc.Name)
	}
	return true
}

// Teardown closes the connection for id and discards its state.
func (s *Supervisor) Teardown(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		s.deps.State.Remove(id)
		return false
	}
	delete(s.conns, id)
	c.close(true)
	s.deps.Metrics.SetActiveStreams(len(s.conns))
	if s.deps.Logger != nil {
		s.deps.Logger.Info("stream removed", "service_id", id)
	}
	return true
}

// Reconcile brings the set of connections in line with services.
func (s *Supervisor) Reconcile(services []model.RegisteredService) {
	want := make(map[string]struct{}, len(services))
	for _, svc := range services {
		want[svc.ID] = struct{}{}
		s.EnsureConnection(svc)
	}
	for _, id := range s.IDs() {
		if _, ok := want[id]; !ok {
			s.Teardown(id)
		}
	}
	s.deps.Metrics.SetRegistered(len(services))
}

func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Supervisor) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) Phases() map[string]Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Phase, len(s.conns))
	for id, c := range s.conns {
		out[id] = c.Phase()
	}
	return out
}

// Shutdown stops every connection and waits for the loops to exit or ctx
// to expire. Service state is kept.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, c := range s.conns {
		c.close(false)
	}
	s.conns = make(map[string]*Connection)
	s.mu.Unlock()
	s.cancel()
	s.deps.Metrics.SetActiveStreams(0)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
