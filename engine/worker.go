package trdpengine

import (
	"context"
	"time"

	"github.com/c360/trdpsim/stack"
)

// processingLoop is the engine worker. Each pass prepares under the
// engine lock (cyclic dispatch, MD timeout sweep, scheduling hint, dirty
// topology counters), then waits and services the stack without it so
// API calls are never blocked behind a poll interval.
func (e *Engine) processingLoop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	e.logger.Info("worker started")
	var lastEcspPoll time.Time

	e.mu.Lock()
	for !e.stopRequested {
		now := time.Now()
		events := e.dispatchCyclicLocked(now)
		expired := e.md.prune(now)
		hint := e.schedulingHintLocked()

		stackPresent := e.deps.Stack != nil
		var sessions []stack.Session
		var pushTopo bool
		var etbTopo, opTrainTopo uint32
		if stackPresent {
			sessions = e.allSessionsLocked()
			if e.topoDirty {
				pushTopo = true
				etbTopo, opTrainTopo = e.etbTopo, e.opTrainTopo
				e.topoDirty = false
			}
		}
		ecspPoll := stackPresent && e.ecspInitialized && e.cfg.Ecsp.Enabled
		pollInterval := e.cfg.Ecsp.PollInterval
		e.mu.Unlock()

		e.metrics.recordMdTimeouts(expired)
		e.emit(events...)

		select {
		case <-stopCh:
		case <-ctx.Done():
		case <-time.After(hint):
		}

		if stackPresent {
			if pushTopo {
				for _, s := range sessions {
					if err := s.SetTopoCounters(etbTopo, opTrainTopo); err != nil {
						e.logger.Warn("failed to update topology counters",
							"role", s.Role().String(), "port", s.Port(), "error", err)
					}
				}
			}
			for _, s := range sessions {
				if err := s.Process(s.FDs()); err != nil {
					e.logger.Warn("stack service pass failed",
						"role", s.Role().String(), "port", s.Port(), "error", err)
					e.noteFailure(err)
				}
			}
			if ecspPoll {
				lastEcspPoll = e.pollEcsp(time.Now(), pollInterval, lastEcspPoll)
			}
		}
		e.metrics.recordWorkerCycle()

		e.mu.Lock()
		if ctx.Err() != nil {
			e.stopRequested = true
		}
	}
	e.mu.Unlock()
	e.logger.Info("worker exiting")
}
