package evidence

import (
	"context"
	"time"

	"github.com/idscp2go/idscp2go/internal/logger"
)

// Observer adapts an Archive to fsm.Config.Observer: each terminal RA
// result becomes one stored Record. Storage happens on a fresh goroutine,
// since the observer is invoked while the FSM mutex is held and the
// archive may touch disk or network.
type Observer struct {
	connectionID string
	archive      Archive
	timeout      time.Duration
	lctx         context.Context
}

// NewObserver binds an archive to one connection's attestation stream.
func NewObserver(connectionID string, archive Archive) *Observer {
	return &Observer{
		connectionID: connectionID,
		archive:      archive,
		timeout:      10 * time.Second,
		lctx:         logger.WithContext(context.Background(), logger.NewLogContext(connectionID, "")),
	}
}

// OnRaRoundCompleted implements fsm.RaObserver.
func (o *Observer) OnRaRoundCompleted(role, suite string, ok bool, cause string) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	rec := Record{
		ConnectionID: o.connectionID,
		Role:         role,
		Suite:        suite,
		Outcome:      outcome,
		Detail:       cause,
		CompletedAt:  time.Now().UTC(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		defer cancel()
		if err := o.archive.Store(ctx, rec); err != nil {
			logger.WarnCtx(o.lctx, "evidence: archiving attestation result failed",
				"ra_role", role, "error", err)
		}
	}()
}
