package syncer

import (
	"context"
	"log"
	"time"

	"github.com/nomo-app/backend/internal/progression"
	"github.com/nomo-app/backend/internal/remote"
)

// SnapshotLoader reads the remote snapshot. A nil snapshot means the remote
// has no record yet.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context) (*remote.Snapshot, error)
}

// Reconciler merges a remote snapshot into local state.
type Reconciler interface {
	Reconcile(remote progression.RemoteSnapshot) bool
}

// Puller feeds the remote snapshot to the engine at startup, on a timer and
// on demand.
type Puller struct {
	loader   SnapshotLoader
	engine   Reconciler
	interval time.Duration
	refresh  chan struct{}
}

// NewPuller creates a puller. interval <= 0 disables periodic pulls.
func NewPuller(loader SnapshotLoader, engine Reconciler, interval time.Duration) *Puller {
	return &Puller{
		loader:   loader,
		engine:   engine,
		interval: interval,
		refresh:  make(chan struct{}, 1),
	}
}

// Refresh requests a pull without waiting for it.
func (p *Puller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Pull loads the remote snapshot once and reconciles it. It reports
// whether local state changed. An absent remote record reconciles against
// zero so local progress gets pushed.
func (p *Puller) Pull(ctx context.Context) (bool, error) {
	snap, err := p.loader.LoadSnapshot(ctx)
	if err != nil {
		return false, err
	}
	var rs progression.RemoteSnapshot
	if snap != nil {
		rs = progression.RemoteSnapshot{XP: snap.XP, Level: snap.Level}
	}
	return p.engine.Reconcile(rs), nil
}

// Run pulls until ctx is cancelled. Failures are logged and retried on the
// next tick.
func (p *Puller) Run(ctx context.Context) error {
	p.pullAndLog(ctx)

	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case <-p.refresh:
		}
		p.pullAndLog(ctx)
	}
}

func (p *Puller) pullAndLog(ctx context.Context) {
	changed, err := p.Pull(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("syncer: pull failed, staying local: %v", err)
		}
		return
	}
	if changed {
		log.Printf("syncer: adopted remote progress")
	}
}
