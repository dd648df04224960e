package engine

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/elee1766/gostrata/pkg/backstore"
	"github.com/elee1766/gostrata/pkg/blockdev"
	"github.com/elee1766/gostrata/pkg/dm"
	"github.com/elee1766/gostrata/pkg/ids"
	"github.com/elee1766/gostrata/pkg/metadata"
	"github.com/elee1766/gostrata/pkg/pool"
)

// Recover scans candidate devices, identifies pool members by their static
// headers, reassembles every pool whose full member set is present, and
// reconciles the device stack with the persisted records. Pools missing
// members stay pending until the rest of their devices appear. Safe to call
// again at any time; already-assembled pools are left alone.
func (e *Engine) Recover(ctx context.Context) error {
	candidates := e.scan()
	e.logger.Info("recovery scan", "candidates", len(candidates))

	for _, path := range candidates {
		e.identify(ctx, path)
	}

	e.assemblePending(ctx)
	e.sweepOrphans(ctx)
	return nil
}

// scan expands the configured candidate globs.
func (e *Engine) scan() []string {
	var paths []string
	for _, pattern := range e.cfg.DeviceGlobs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			e.logger.Warn("bad device glob", "pattern", pattern, "error", err)
			continue
		}
		paths = append(paths, matches...)
	}
	return paths
}

// identify inspects one candidate and files it under its pool when it is a
// member: plain members by their static header, encrypted members by the
// identity token in the LUKS2 header, which is readable without the key.
// Returns the pool id when the device was filed.
func (e *Engine) identify(ctx context.Context, path string) (ids.PoolID, bool) {
	dev, err := blockdev.Open(path)
	if err != nil {
		e.logger.Debug("candidate unreadable", "path", path, "error", err)
		return ids.PoolID{}, false
	}
	header, err := e.store.ReadHeader(dev)
	dev.Close()
	if err != nil {
		e.logger.Warn("candidate with unreadable header", "path", path, "error", err)
		return ids.PoolID{}, false
	}
	if header != nil {
		e.file(header.PoolID, header.DevID, pendingMember{path: path})
		return header.PoolID, true
	}

	raw, err := e.crypt.Token(ctx, path)
	if err != nil {
		e.logger.Warn("candidate token unreadable", "path", path, "error", err)
		return ids.PoolID{}, false
	}
	tok, ok := backstore.ParseCryptToken(raw)
	if !ok {
		return ids.PoolID{}, false
	}
	e.file(tok.PoolID, tok.DevID, pendingMember{path: path, encrypted: true, poolName: tok.PoolName})
	return tok.PoolID, true
}

// file records a member under its pool unless the pool is already loaded.
func (e *Engine) file(poolID ids.PoolID, devID ids.DevID, m pendingMember) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, loaded := e.pools[poolID]; loaded {
		return
	}
	members := e.pending[poolID]
	if members == nil {
		members = make(map[ids.DevID]pendingMember)
		e.pending[poolID] = members
	}
	members[devID] = m
}

// assemblePending tries to bring up every pending pool whose member set is
// now complete.
func (e *Engine) assemblePending(ctx context.Context) {
	e.mu.Lock()
	poolIDs := make([]ids.PoolID, 0, len(e.pending))
	for id := range e.pending {
		poolIDs = append(poolIDs, id)
	}
	e.mu.Unlock()

	for _, id := range poolIDs {
		if err := e.assemble(ctx, id); err != nil {
			e.logger.Warn("pool not assembled", "pool", id.String(), "error", err)
		}
	}
}

// assemble loads the newest valid metadata across a pool's known members and
// restores the pool when every recorded member is present. For encrypted
// pools the keyfile is located from the pool name in the identity token and
// each mapping is opened first; the metadata sits behind the mapping, not on
// the raw device.
func (e *Engine) assemble(ctx context.Context, poolID ids.PoolID) error {
	e.mu.Lock()
	members := make(map[ids.DevID]pendingMember, len(e.pending[poolID]))
	for id, m := range e.pending[poolID] {
		members[id] = m
	}
	e.mu.Unlock()

	if len(members) == 0 {
		return nil
	}

	keyfile := ""
	for _, m := range members {
		if !m.encrypted {
			continue
		}
		keyfile = e.cfg.Keyfile(m.poolName)
		if keyfile == "" {
			return fmt.Errorf("no keyfile for encrypted pool %q", m.poolName)
		}
		break
	}

	paths := make(map[ids.DevID]string, len(members))
	nodes := make(map[ids.DevID]string, len(members))
	for id, m := range members {
		paths[id] = m.path
		nodes[id] = m.path
		if m.encrypted {
			node, err := e.crypt.Open(ctx, m.path, dm.CryptName(id), keyfile)
			if err != nil {
				return fmt.Errorf("open encrypted member %s: %w", id, err)
			}
			nodes[id] = node
		}
	}

	block := e.newestState(nodes)
	if block == nil {
		e.logger.Error("no valid metadata on any member", "pool", poolID.String())
		return nil
	}

	for _, rec := range block.State.Devices {
		if _, ok := paths[rec.DevID]; !ok {
			e.logger.Info("pool waiting for member",
				"pool", block.State.Name, "device", rec.DevID.String())
			return nil
		}
	}

	p, err := pool.Restore(ctx, e.logger, e.store, e.dmi, e.crypt, block, keyfile, paths)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.pools[poolID] = p
	delete(e.pending, poolID)
	e.mu.Unlock()

	e.logger.Info("pool recovered",
		"pool", p.Name(), "generation", p.Generation(), "devices", len(paths))
	return nil
}

// newestState reads the metadata reserve of every known member and returns
// the valid block with the highest generation.
func (e *Engine) newestState(paths map[ids.DevID]string) *metadata.Block {
	var newest *metadata.Block
	for devID, path := range paths {
		dev, err := blockdev.Open(path)
		if err != nil {
			e.logger.Warn("member unreadable", "device", devID.String(), "path", path, "error", err)
			continue
		}
		block, err := e.store.Load(dev)
		dev.Close()
		if err != nil {
			e.logger.Warn("member metadata invalid", "device", devID.String(), "error", err)
			continue
		}
		if newest == nil || block.Generation > newest.Generation {
			newest = block
		}
	}
	return newest
}

// sweepOrphans inspects live device-mapper state for devices this engine
// created that no assembled pool accounts for. An orphan belonging to a
// loaded pool means the records and the kernel disagree beyond what
// reconciliation fixed: the pool goes degraded rather than guessing.
func (e *Engine) sweepOrphans(ctx context.Context) {
	names, err := e.dmi.List(ctx)
	if err != nil {
		e.logger.Warn("device-mapper listing failed", "error", err)
		return
	}

	for _, name := range names {
		if !dm.IsManagedDevice(name) {
			continue
		}

		known := false
		for _, p := range e.Pools() {
			if e.accounted(p, name) {
				known = true
				break
			}
		}
		if known {
			continue
		}

		if owner := e.ownerOf(name); owner != nil {
			e.logger.Error("orphan device in loaded pool", "device", name, "pool", owner.Name())
			owner.SetDegraded()
		} else {
			e.logger.Warn("orphan device from unknown pool", "device", name)
		}
	}
}

func (e *Engine) ownerOf(name string) *pool.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.pools {
		if dm.IsPoolDevice(name, id) {
			return p
		}
	}
	return nil
}

// accounted reports whether a dm name is part of a pool's expected device
// set: the cap, the crypt mappings, and the thin stack.
func (e *Engine) accounted(p *pool.Pool, name string) bool {
	id := p.ID()
	switch name {
	case dm.CapName(id), dm.ThinMetaName(id), dm.ThinDataName(id), dm.ThinPoolName(id):
		return true
	}
	for _, fs := range p.Filesystems() {
		if name == dm.ThinVolName(id, fs.FsID) {
			return true
		}
	}
	for _, d := range p.Devices() {
		if name == dm.CryptName(d.ID) {
			return true
		}
	}
	return false
}
