// internal/devops/fakes_test.go
package devops

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

type fakeControl struct {
	mu             sync.Mutex
	running        bool
	version        string
	starts         []string
	stops          int
	unreachable    bool
	reachableAfter int
	reachCalls     int
	startErr       error
}

func (c *fakeControl) Start(ctx context.Context, version string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts = append(c.starts, version)
	if c.startErr != nil {
		return c.startErr
	}
	c.running = true
	c.version = version
	return nil
}

func (c *fakeControl) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
	return nil
}

func (c *fakeControl) IsReachable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reachCalls++
	if c.unreachable || c.reachCalls <= c.reachableAfter {
		return errors.New("connection refused")
	}
	return nil
}

func (c *fakeControl) IsRunning(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running, nil
}

func (c *fakeControl) calls() (starts []string, stops int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.starts...), c.stops
}

type fakeSource struct {
	mu       sync.Mutex
	payload  []byte
	dumpErr  error
	catalog  Catalog
	restored map[string][]byte
	scratch  map[string]bool
	dropped  []string
	// store, when set, must be running for a restore to connect
	store      *fakeControl
	restoredOn []string
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		payload: bytes.Repeat([]byte("COPY knowledge_base (id, body) FROM stdin;\n"), 200),
		catalog: Catalog{
			Tables:     []string{"knowledge_base", "job_status"},
			Extensions: []string{"vector", "uuid-ossp", "pg_trgm"},
		},
		restored: make(map[string][]byte),
		scratch:  make(map[string]bool),
	}
}

func (s *fakeSource) Dump(ctx context.Context, dst io.Writer) error {
	if s.dumpErr != nil {
		return s.dumpErr
	}
	_, err := dst.Write(s.payload)
	return err
}

func (s *fakeSource) Restore(ctx context.Context, database string, src io.Reader) error {
	version := ""
	if s.store != nil {
		s.store.mu.Lock()
		running := s.store.running
		version = s.store.version
		s.store.mu.Unlock()
		if !running {
			return errors.New("psql: connection to server failed: connection refused")
		}
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restored[database] = data
	s.restoredOn = append(s.restoredOn, version)
	return nil
}

func (s *fakeSource) CreateScratch(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scratch[name] = true
	return nil
}

func (s *fakeSource) DropScratch(ctx context.Context, name string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scratch, name)
	s.dropped = append(s.dropped, name)
	return nil
}

func (s *fakeSource) Catalog(ctx context.Context, database string) (Catalog, error) {
	if err := ctx.Err(); err != nil {
		return Catalog{}, err
	}
	return s.catalog, nil
}

func (s *fakeSource) Database() string { return "app" }

func (s *fakeSource) restoredInto(database string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restored[database]
}

// scriptedProbe returns its statuses in order, repeating the last one
type scriptedProbe struct {
	name     string
	critical bool
	statuses []ProbeStatus
	delay    time.Duration

	mu    sync.Mutex
	calls int
}

func (p *scriptedProbe) Name() string   { return p.name }
func (p *scriptedProbe) Critical() bool { return p.critical }

func (p *scriptedProbe) Run(ctx context.Context) HealthCheckResult {
	p.mu.Lock()
	i := p.calls
	p.calls++
	p.mu.Unlock()

	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if i >= len(p.statuses) {
		i = len(p.statuses) - 1
	}
	return HealthCheckResult{Status: p.statuses[i], Message: string(p.statuses[i])}
}

func (p *scriptedProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func probe(name string, critical bool, statuses ...ProbeStatus) *scriptedProbe {
	return &scriptedProbe{name: name, critical: critical, statuses: statuses}
}

type fakeNotifier struct {
	mu        sync.Mutex
	summaries []Summary
	err       error
}

func (n *fakeNotifier) Send(ctx context.Context, s Summary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.summaries = append(n.summaries, s)
	return n.err
}

type fakeReplicator struct {
	names []string
}

func (r *fakeReplicator) Replicate(ctx context.Context, name string, src io.Reader, size int64) (string, error) {
	if _, err := io.Copy(io.Discard, src); err != nil {
		return "", err
	}
	r.names = append(r.names, name)
	return "backups/" + name, nil
}

type fakeValidator struct {
	warnings []string
	err      error
}

func (v *fakeValidator) Check(strict bool) ([]string, error) {
	if strict && len(v.warnings) > 0 && v.err == nil {
		return v.warnings, ErrConfigInvalid
	}
	return v.warnings, v.err
}
