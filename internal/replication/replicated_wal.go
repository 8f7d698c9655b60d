package replication

import (
	"context"

	"github.com/ledgermesh/ledgermesh/internal/wal"
	"github.com/sirupsen/logrus"
)

// ReplicatedWAL composes a local wal.Engine with a Manager behind the same
// append/flush/read surface (spec §4.I): every write lands locally first,
// independent of replication outcome, and only then — if this node is
// LEADER — is handed to the Replication Manager. On recovery, a node that
// starts as FOLLOWER issues a catch-up sync once local replay completes.
type ReplicatedWAL struct {
	engine  *wal.Engine
	manager *Manager
	log     *logrus.Entry
}

func NewReplicatedWAL(engine *wal.Engine, manager *Manager, log *logrus.Entry) *ReplicatedWAL {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ReplicatedWAL{engine: engine, manager: manager, log: log}
}

// WriteEntry writes d to the local log; the local outcome never depends
// on replication succeeding. If this node is the elected leader, the
// durable record is then replicated to followers per the manager's
// configured sync mode.
func (r *ReplicatedWAL) WriteEntry(ctx context.Context, d wal.Draft) (uint64, error) {
	seq, err := r.engine.WriteEntry(ctx, d)
	if err != nil {
		return 0, err
	}

	if r.manager.election.CurrentRole() == RoleLeader {
		rec := wal.Record{
			Sequence: seq, TransactionID: d.TransactionID, Type: d.Type,
			CollectionName: d.CollectionName, Operation: d.Operation, Data: d.Data,
		}
		if rerr := r.manager.Replicate(ctx, rec); rerr != nil {
			r.log.WithError(rerr).WithField("sequence", seq).Warn("replication did not reach a majority")
			return seq, rerr
		}
	}
	return seq, nil
}

func (r *ReplicatedWAL) Flush() error                { return r.engine.Flush() }
func (r *ReplicatedWAL) CurrentSequence() uint64      { return r.engine.CurrentSequence() }
func (r *ReplicatedWAL) DurableUpto() uint64          { return r.engine.DurableUpto() }
func (r *ReplicatedWAL) Truncate(before uint64) error { return r.engine.Truncate(before) }
func (r *ReplicatedWAL) Close() error                 { return r.engine.Close() }

func (r *ReplicatedWAL) ReadEntries(fromSequence uint64) (*wal.Reader, error) {
	return r.engine.ReadEntries(fromSequence)
}

// Recover replays the local log and, if this node starts as FOLLOWER,
// triggers a cluster sync from the sequence immediately following the
// replayed tail (spec §4.I: "triggers a syncWithCluster(fromSequence =
// currentSequence+1) after local replay completes").
func (r *ReplicatedWAL) Recover(ctx context.Context, replay wal.ReplayFunc) (wal.RecoverStats, error) {
	stats, err := r.engine.Recover(ctx, replay)
	if err != nil {
		return stats, err
	}
	if r.manager.election.CurrentRole() != RoleLeader {
		r.manager.SyncWithCluster(r.engine.CurrentSequence() + 1)
	}
	return stats, nil
}
