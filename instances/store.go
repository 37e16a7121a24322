package instances

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"etserver/models"
	"etserver/stash"

	"go.uber.org/zap"
)

const keyPrefix = "instance_"

// Store persists instance records through the stash. Every flag update
// is a full read-modify-write; a per-instance-id mutex serializes the
// writers so two racing updates cannot clobber each other's flags.
type Store struct {
	stash  stash.Store
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewStore(st stash.Store, logger *zap.Logger) *Store {
	return &Store{stash: st, logger: logger, locks: make(map[string]*sync.Mutex)}
}

func key(id string) string {
	return keyPrefix + id
}

func (s *Store) lock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Get loads an instance record.
func (s *Store) Get(ctx context.Context, id string) (*models.Instance, error) {
	data, err := s.stash.Get(ctx, key(id))
	if err != nil {
		return nil, fmt.Errorf("instance %s: %w", id, err)
	}
	var inst models.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("instance %s: corrupt record: %w", id, err)
	}
	return &inst, nil
}

// Save writes the full instance record.
func (s *Store) Save(ctx context.Context, inst *models.Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	return s.stash.Set(ctx, key(inst.ID), data)
}

// Remove deletes the record. The durable copy normally outlives the
// instance for reconciliation and statistics; Remove exists for the
// dbg_create reseed.
func (s *Store) Remove(ctx context.Context, id string) error {
	return s.stash.Del(ctx, key(id))
}

// Advance performs a serialized read-modify-write moving the persisted
// instance to a new lifecycle state. Re-advancing to the current state
// is a no-op; illegal transitions are refused. The fresh record is
// returned so callers can update their in-memory copy.
func (s *Store) Advance(ctx context.Context, id string, to models.InstanceState) (*models.Instance, error) {
	l := s.lock(id)
	l.Lock()
	defer l.Unlock()

	inst, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.State == to {
		return inst, nil
	}
	if err := inst.Advance(to); err != nil {
		return nil, err
	}
	if err := s.Save(ctx, inst); err != nil {
		return nil, err
	}
	s.logger.Info("instance advanced", zap.String("iId", id), zap.String("state", to.String()))
	return inst, nil
}

// SetStarted marks the persisted instance started (or not). Clearing
// the flag is not a representable transition and is refused.
func (s *Store) SetStarted(ctx context.Context, inst *models.Instance, started bool) error {
	if !started {
		return fmt.Errorf("instance %s: started flag is monotonic", inst.ID)
	}
	fresh, err := s.Advance(ctx, inst.ID, models.StateStarted)
	if err != nil {
		return err
	}
	inst.State = fresh.State
	return nil
}

// SetEnded marks the persisted instance ended. Ended is terminal and
// monotonic: it can never be reset.
func (s *Store) SetEnded(ctx context.Context, inst *models.Instance, ended bool) error {
	if !ended {
		return fmt.Errorf("instance %s: ended flag is monotonic", inst.ID)
	}
	fresh, err := s.Advance(ctx, inst.ID, models.StateEnded)
	if err != nil {
		return err
	}
	inst.State = fresh.State
	return nil
}

// Keys lists the persisted instance ids.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.stash.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(keyPrefix):])
	}
	return ids, nil
}
