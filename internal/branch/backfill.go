package branch

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jisqyv/rethinkdb/internal/region"
	"github.com/jisqyv/rethinkdb/internal/signal"
	"github.com/jisqyv/rethinkdb/internal/store"
)

// ErrBackfillDeclined reports that the source refused to backfill, e.g.
// because its state moved to another branch between inspection and
// streaming.
var ErrBackfillDeclined = errors.New("branch: source declined backfill")

// Backfill brings target up to date with source so it can join source's
// branch. Source's region must contain target's. Data stamped for the same
// branch resumes from its stamped versions; data from another branch (or
// from none) is wiped first and copied from scratch.
//
// An interrupted backfill leaves target with its old metainfo, so a restart
// repeats the work but never observes half-applied state as current.
func Backfill(source, target store.View, interrupt *signal.Signal) error {
	store.AssertSuperset(source.Region(), target.Region(), "backfill target")

	srcMeta, err := source.Metainfo(source.NewReadTicket(), interrupt)
	if err != nil {
		return err
	}
	srcBranch, err := uniformBranch(srcMeta)
	if err != nil {
		return err
	}

	tgtMeta, err := target.Metainfo(target.NewReadTicket(), interrupt)
	if err != nil {
		return err
	}
	if diverged(tgtMeta, srcBranch) {
		blank := region.Single(target.Region(), encodeStamp(Stamp{}))
		if err := target.ResetData(target.Region(), blank, target.NewWriteTicket(), interrupt); err != nil {
			return err
		}
		tgtMeta, err = target.Metainfo(target.NewReadTicket(), interrupt)
		if err != nil {
			return err
		}
	}
	return copyFrom(source, target, startPoint(tgtMeta), srcMeta, srcBranch, interrupt)
}

// Join adds target to c's branch as a live replica without pausing traffic.
// The replica registers first, so every write dispatched from then on
// reaches it directly; the older data is then backfilled from source while
// those writes keep applying, and the replica starts serving reads only once
// the copy is complete. Chunks never clobber records a concurrent write has
// already moved past, so the two streams converge.
func Join(c *Coordinator, source *Replica, target store.View, interrupt *signal.Signal) (*Replica, error) {
	store.AssertSuperset(source.view.Region(), target.Region(), "join target")

	// The resume point is captured before registration: versions the target
	// was stamped with in an earlier life on this branch are data it really
	// has, while everything stamped after registration arrives on its own.
	tgtMeta, err := target.Metainfo(target.NewReadTicket(), interrupt)
	if err != nil {
		return nil, err
	}
	start := startPoint(tgtMeta)
	if diverged(tgtMeta, c.branch) {
		adopted := region.Single(target.Region(), encodeStamp(Stamp{Branch: c.branch}))
		if err := target.ResetData(target.Region(), adopted, target.NewWriteTicket(), interrupt); err != nil {
			return nil, err
		}
		start = region.Single(target.Region(), store.Timestamp(0))
	}

	rep, err := newReplica(c.node, c.log, target, c.dispatcher.RegistrarHandle(), c.branch, false)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*Replica, error) {
		rep.Close()
		return nil, err
	}
	if err := c.dispatcher.awaitMember(rep.ID(), interrupt); err != nil {
		return fail(err)
	}
	// Writes stamped from here on reach the new replica directly. Once the
	// source has applied everything stamped for it before this point, a
	// snapshot of the source covers the rest.
	if err := source.waitCaughtUp(c.dispatcher.writesSentTo(source.ID()), interrupt); err != nil {
		return fail(err)
	}
	srcMeta, err := source.view.Metainfo(source.view.NewReadTicket(), interrupt)
	if err != nil {
		return fail(err)
	}
	srcBranch, err := uniformBranch(srcMeta)
	if err != nil {
		return fail(err)
	}
	if srcBranch != c.branch {
		return fail(fmt.Errorf("branch: join source serves branch %s, not %s", srcBranch, c.branch))
	}
	if err := copyFrom(source.view, target, start, srcMeta, srcBranch, interrupt); err != nil {
		return fail(err)
	}
	rep.ready.Fire()
	c.log.Info("replica caught up",
		zap.String("branch", c.branch.String()),
		zap.String("replica", rep.ID().String()))
	return rep, nil
}

// copyFrom streams everything above start from source into target and, once
// the copy is complete, installs srcMeta as the target's metainfo.
func copyFrom(source, target store.View, start region.Map[store.Timestamp],
	srcMeta store.Metainfo, srcBranch uuid.UUID, interrupt *signal.Signal) error {
	var applyErr error
	ok, err := source.SendBackfill(start,
		func(m store.Metainfo) bool {
			// The source may have moved on since it was inspected; stream
			// only if it still serves the same branch.
			b, err := uniformBranch(m)
			return err == nil && b == srcBranch
		},
		func(chunk store.Chunk) {
			if applyErr != nil {
				return
			}
			applyErr = target.ReceiveBackfill(chunk, target.NewWriteTicket(), interrupt)
		},
		source.NewReadTicket(), interrupt)
	if err != nil {
		return err
	}
	if applyErr != nil {
		return applyErr
	}
	if !ok {
		return ErrBackfillDeclined
	}

	// Install the source's metainfo last: only a fully copied target may
	// claim the source's versions.
	return target.SetMetainfo(srcMeta.Mask(target.Region()), target.NewWriteTicket(), interrupt)
}

// uniformBranch returns the single branch id stamped across m.
func uniformBranch(m store.Metainfo) (uuid.UUID, error) {
	var branch uuid.UUID
	for i, e := range m.Entries() {
		s := decodeStamp(e.Value)
		if i == 0 {
			branch = s.Branch
			continue
		}
		if s.Branch != branch {
			return uuid.Nil, fmt.Errorf("branch: store straddles branches %s and %s", branch, s.Branch)
		}
	}
	return branch, nil
}

// diverged reports whether any part of m is stamped for a branch other than
// want.
func diverged(m store.Metainfo, want uuid.UUID) bool {
	for _, e := range m.Entries() {
		if b := decodeStamp(e.Value).Branch; b != want {
			return true
		}
	}
	return false
}
