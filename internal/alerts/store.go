package alerts

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentryops/camdash/internal/signaling"
)

const persistTimeout = 10 * time.Second

// Persister is the external HTTP collaborator that durably stores alerts.
// It is eventually consistent; the in-memory store stays the source of
// truth for the operator session.
type Persister interface {
	ListAlerts(ctx context.Context) ([]*Alert, error)
	CreateAlert(ctx context.Context, a *Alert) error
	ConfirmAlert(ctx context.Context, id string) error
	DismissAlert(ctx context.Context, id string) error
}

// Sender is the outbound half of the signaling channel.
type Sender interface {
	Send(event string, payload any) error
}

// LifecyclePublisher republishes alert transitions for sibling services.
type LifecyclePublisher interface {
	Publish(ctx context.Context, ev *LifecycleEvent) error
}

// Snapshotter persists a recoverable copy of the alert table.
type Snapshotter interface {
	Save(ctx context.Context, list []*Alert) error
	Load(ctx context.Context) ([]*Alert, error)
}

// Deps wires the store's collaborators. Publisher and Snapshot are
// optional.
type Deps struct {
	Persister Persister
	Sender    Sender
	Publisher LifecyclePublisher
	Snapshot  Snapshotter
}

// Store is the canonical in-memory alert table. Every mutation funnels
// through one mutex, so a broadcast and an operator click on the same id
// cannot interleave their read-modify-write. Side effects (siren,
// persistence, republication, snapshot) never roll a local transition
// back; failures are logged and counted.
type Store struct {
	deps Deps

	mu    sync.Mutex
	order []string // ids, most recent first
	byID  map[string]*Alert

	wg              sync.WaitGroup
	persistFailures atomic.Uint64
	sirenTriggers   atomic.Uint64
}

func NewStore(deps Deps) *Store {
	return &Store{
		deps: deps,
		byID: make(map[string]*Alert),
	}
}

// Hydrate loads the table once at startup from the external collaborator.
// If the backend is unreachable and a snapshot exists, the snapshot is
// used instead. Hydration upserts: when a live broadcast raced the load,
// the later write wins on id.
func (s *Store) Hydrate(ctx context.Context) error {
	list, err := s.deps.Persister.ListAlerts(ctx)
	if err != nil {
		if s.deps.Snapshot != nil {
			if recovered, rerr := s.deps.Snapshot.Load(ctx); rerr == nil && recovered != nil {
				log.Printf("alerts: backend list failed (%v), recovered %d alerts from snapshot", err, len(recovered))
				s.merge(recovered)
				return nil
			}
		}
		return err
	}
	s.merge(list)
	return nil
}

func (s *Store) merge(list []*Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range list {
		cp := *a
		if _, ok := s.byID[cp.ID]; !ok {
			s.order = append(s.order, cp.ID)
		}
		s.byID[cp.ID] = &cp
	}
}

// ApplyBroadcast inserts a new PENDING alert at the head of the table.
// Broadcast events are creation-only: an id that already exists (a server
// echo, or a broadcast that lost the race against hydration) is a no-op.
// Returns the stored alert and whether it was inserted.
func (s *Store) ApplyBroadcast(b signaling.AlertBroadcast) (*Alert, bool) {
	alert := FromBroadcast(b)

	s.mu.Lock()
	if existing, ok := s.byID[alert.ID]; ok {
		cp := *existing
		s.mu.Unlock()
		return &cp, false
	}
	s.byID[alert.ID] = alert
	s.order = append([]string{alert.ID}, s.order...)
	cp := *alert
	s.mu.Unlock()

	s.persistAsync("create", alert.ID, func(ctx context.Context) error {
		return s.deps.Persister.CreateAlert(ctx, &cp)
	})
	s.publishAsync(&cp)
	s.snapshotAsync()
	return &cp, true
}

// Confirm transitions a PENDING alert to CONFIRMED, triggers the device
// siren exactly once, and requests persistence. Confirming an alert that
// is no longer PENDING is a silent no-op: no status change, no duplicate
// siren, no persistence call.
func (s *Store) Confirm(id string) (*Alert, error) {
	return s.resolve(id, StatusConfirmed)
}

// Dismiss transitions a PENDING alert to DISMISSED and requests
// persistence. Same idempotence rules as Confirm, without the siren.
func (s *Store) Dismiss(id string) (*Alert, error) {
	return s.resolve(id, StatusDismissed)
}

// TriggerSiren is the operator's explicit siren action; it implies
// confirmation, and the siren still fires at most once per alert.
func (s *Store) TriggerSiren(id string) (*Alert, error) {
	return s.Confirm(id)
}

func (s *Store) resolve(id string, target Status) (*Alert, error) {
	s.mu.Lock()
	alert, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if alert.Status != StatusPending {
		cp := *alert
		s.mu.Unlock()
		log.Printf("alerts: %s already %s, %s ignored", id, cp.Status, target)
		return &cp, nil
	}
	alert.Status = target
	cp := *alert
	s.mu.Unlock()

	if target == StatusConfirmed {
		s.sirenTriggers.Add(1)
		if err := s.deps.Sender.Send(signaling.EventTriggerSiren, signaling.SirenPayload{DeviceID: cp.DeviceID}); err != nil {
			log.Printf("alerts: siren for %s not delivered: %v", cp.DeviceID, err)
		}
		s.persistAsync("confirm", id, func(ctx context.Context) error {
			return s.deps.Persister.ConfirmAlert(ctx, id)
		})
	} else {
		s.persistAsync("dismiss", id, func(ctx context.Context) error {
			return s.deps.Persister.DismissAlert(ctx, id)
		})
	}
	s.publishAsync(&cp)
	s.snapshotAsync()
	return &cp, nil
}

// List returns a copy of the table, most recent first.
func (s *Store) List() []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Alert, 0, len(s.order))
	for _, id := range s.order {
		cp := *s.byID[id]
		out = append(out, &cp)
	}
	return out
}

// Get returns one alert by id.
func (s *Store) Get(id string) (*Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	cp := *alert
	return &cp, true
}

// Stats reports status counts and side-effect counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	stats := Stats{}
	for _, a := range s.byID {
		switch a.Status {
		case StatusPending:
			stats.Pending++
		case StatusConfirmed:
			stats.Confirmed++
		case StatusDismissed:
			stats.Dismissed++
		}
	}
	s.mu.Unlock()

	stats.PersistFailures = s.persistFailures.Load()
	stats.SirenTriggers = s.sirenTriggers.Load()
	return stats
}

// Flush waits for in-flight side effects; tests and shutdown use it.
func (s *Store) Flush() {
	s.wg.Wait()
}

// Close waits for in-flight side effects and takes a final snapshot.
func (s *Store) Close() {
	s.wg.Wait()
	if s.deps.Snapshot != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.deps.Snapshot.Save(ctx, s.List()); err != nil {
			log.Printf("alerts: final snapshot failed: %v", err)
		}
	}
}

func (s *Store) persistAsync(op, id string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			// No retry: the local table is authoritative for the
			// session and the backend reconciles on the next load.
			s.persistFailures.Add(1)
			log.Printf("alerts: persist %s(%s) failed: %v", op, id, err)
		}
	}()
}

func (s *Store) publishAsync(a *Alert) {
	if s.deps.Publisher == nil {
		return
	}
	ev := NewLifecycleEvent(a)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
			log.Printf("alerts: lifecycle publish for %s failed: %v", a.ID, err)
		}
	}()
}

func (s *Store) snapshotAsync() {
	if s.deps.Snapshot == nil {
		return
	}
	list := s.List()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.deps.Snapshot.Save(ctx, list); err != nil {
			log.Printf("alerts: snapshot failed: %v", err)
		}
	}()
}
