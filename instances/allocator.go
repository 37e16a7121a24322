// Package instances owns instance allocation and the durable instance
// records.
package instances

import (
	"sync"
	"sync/atomic"

	"etserver/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Allocator fills experiment instances first-fit, in creation order.
// Only forming instances live in the pool: an instance leaves it the
// moment it completes (or empties out), so at most one instance per
// experiment and matching criterion is accepting joins.
type Allocator struct {
	mu      sync.Mutex
	forming map[int64][]*models.Instance
	created atomic.Int64
	logger  *zap.Logger
}

func NewAllocator(logger *zap.Logger) *Allocator {
	a := &Allocator{logger: logger}
	a.Reset()
	return a
}

// Reset empties the pool. Called at service start.
func (a *Allocator) Reset() {
	a.mu.Lock()
	a.forming = make(map[int64][]*models.Instance)
	a.mu.Unlock()
}

// Allocate finds or creates an instance with spare capacity for the
// participant and inserts them. Re-adding a guid already present is a
// no-op that still returns the current instance. The second return
// value reports whether a new instance was created.
//
// The returned instance is a snapshot: the pooled record stays private
// to the allocator, so callers can read the result freely while other
// joins keep filling the same instance.
func (a *Allocator) Allocate(eID int64, p models.Participant, required int, shareLanguages bool) (*models.Instance, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, inst := range a.forming[eID] {
		if inst.Member(p.GUID) {
			return inst.Clone(), false, nil
		}
		if matches(inst, p, shareLanguages) {
			a.insert(inst, p, required)
			return inst.Clone(), false, nil
		}
	}

	inst := &models.Instance{
		ID:    uuid.NewString(),
		EID:   eID,
		Users: []models.Participant{},
		State: models.StateForming,
	}
	a.forming[eID] = append(a.forming[eID], inst)
	a.created.Add(1)
	a.logger.Info("new instance created", zap.String("iId", inst.ID), zap.Int64("eId", eID))

	a.insert(inst, p, required)
	return inst.Clone(), true, nil
}

// matches is the join predicate: always true unless the experiment
// groups participants by language, in which case the candidate's
// language must equal that of every current member (the first member
// fixes the group's language).
func matches(inst *models.Instance, p models.Participant, shareLanguages bool) bool {
	if !shareLanguages {
		return true
	}
	for _, u := range inst.Users {
		if u.Language != p.Language {
			return false
		}
	}
	return true
}

// insert adds the participant and recomputes completion. A completed
// instance leaves the forming pool; capacity can never be exceeded by
// construction.
func (a *Allocator) insert(inst *models.Instance, p models.Participant, required int) {
	inst.Users = append(inst.Users, p)
	if len(inst.Users) >= required {
		if err := inst.Advance(models.StateComplete); err != nil {
			a.logger.Error("completion transition refused", zap.String("iId", inst.ID), zap.Error(err))
			return
		}
		a.remove(inst)
	}
}

// Release removes a participant from a still-forming instance and
// returns a snapshot of what is left. An instance that empties out
// leaves the pool; the caller notifies the manager and publishes the
// drop. The second return value is false when the instance is not in
// the forming pool (it completed, or was never allocated): completed
// seats are never released.
func (a *Allocator) Release(eID int64, iID, guid string) (*models.Instance, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, inst := range a.forming[eID] {
		if inst.ID != iID {
			continue
		}
		for i, u := range inst.Users {
			if u.GUID == guid {
				inst.Users = append(inst.Users[:i], inst.Users[i+1:]...)
				break
			}
		}
		if len(inst.Users) == 0 {
			a.remove(inst)
		}
		return inst.Clone(), true
	}
	return nil, false
}

// remove drops an instance from the forming pool. Callers hold a.mu.
func (a *Allocator) remove(inst *models.Instance) {
	list := a.forming[inst.EID]
	for i, candidate := range list {
		if candidate.ID == inst.ID {
			a.forming[inst.EID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(a.forming[inst.EID]) == 0 {
		delete(a.forming, inst.EID)
	}
}

// PoolSize counts the forming instances across all experiments.
func (a *Allocator) PoolSize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, list := range a.forming {
		n += len(list)
	}
	return n
}

// Created returns the number of instances created since start.
func (a *Allocator) Created() int64 {
	return a.created.Load()
}
