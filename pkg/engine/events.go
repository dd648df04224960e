package engine

import (
	"context"

	"github.com/elee1766/gostrata/pkg/ids"
	"github.com/elee1766/gostrata/pkg/pool"
)

// DeviceAdded handles a device-appeared event. Deliveries are at-least-once
// and unordered, so every path through here is idempotent: an unowned device
// is ignored, a member of a loaded pool is a no-op, and a member of a
// not-yet-assembled pool is filed away and assembly retried.
func (e *Engine) DeviceAdded(ctx context.Context, path string) {
	outcome := e.deviceAdded(ctx, path)
	e.logger.Debug("device event", "action", "added", "path", path, "outcome", outcome)
	if e.journal != nil {
		poolID := ""
		if p := e.memberOf(path); p != nil {
			poolID = p.ID().String()
		}
		e.journal.RecordDeviceEvent("added", path, poolID, outcome)
	}
}

func (e *Engine) deviceAdded(ctx context.Context, path string) string {
	if p := e.memberOf(path); p != nil {
		return "already_active"
	}

	poolID, ok := e.identify(ctx, path)
	if !ok {
		return "ignored"
	}
	if err := e.assemble(ctx, poolID); err != nil {
		e.logger.Warn("pool not assembled", "pool", poolID.String(), "error", err)
		return "assembly_failed"
	}

	e.mu.Lock()
	_, loaded := e.pools[poolID]
	e.mu.Unlock()
	if loaded {
		return "recovered"
	}
	return "pending"
}

// DeviceRemoved handles a device-disappeared event. A member of a loaded
// pool vanishing degrades the pool: its data region backs live tables.
// Duplicate or stale deliveries are harmless.
func (e *Engine) DeviceRemoved(ctx context.Context, path string) {
	outcome := "ignored"
	poolID := ""

	if p := e.memberOf(path); p != nil {
		poolID = p.ID().String()
		e.logger.Error("member device disappeared", "pool", p.Name(), "path", path)
		p.SetDegraded()
		outcome = "pool_degraded"
	} else if id, ok := e.dropPending(path); ok {
		poolID = id.String()
		outcome = "pending_dropped"
	}

	e.logger.Debug("device event", "action", "removed", "path", path, "outcome", outcome)
	if e.journal != nil {
		e.journal.RecordDeviceEvent("removed", path, poolID, outcome)
	}
}

// memberOf finds the loaded pool holding path as a member.
func (e *Engine) memberOf(path string) *pool.Pool {
	for _, p := range e.Pools() {
		for _, d := range p.Devices() {
			if d.PhysPath == path {
				return p
			}
		}
	}
	return nil
}

// dropPending removes a path from the pending member registry.
func (e *Engine) dropPending(path string) (ids.PoolID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for poolID, members := range e.pending {
		for devID, m := range members {
			if m.path == path {
				delete(members, devID)
				if len(members) == 0 {
					delete(e.pending, poolID)
				}
				return poolID, true
			}
		}
	}
	return ids.PoolID{}, false
}
