package trdpengine

import "time"

// ecspPollFloor bounds how often the switch status may be polled, so a
// zero or tiny configured interval cannot turn the worker into a busy
// loop against the switch.
const ecspPollFloor = 10 * time.Millisecond

// initializeEcspLocked brings the control-switch supervision channel up
// and pushes the initial control word. Failures leave supervision
// inactive but never fail the engine start.
func (e *Engine) initializeEcspLocked() {
	ecsp, ok := e.deps.Stack.ECSP()
	if !ok {
		e.logger.Warn("stack has no ECSP support; switch supervision stays inactive")
		return
	}
	if err := ecsp.Init(e.cfg.Ecsp.ConfirmTimeout); err != nil {
		e.logger.Warn("ECSP initialisation failed", "error", err)
		return
	}
	e.ecspInitialized = true
	e.logger.Info("ECSP supervision initialised", "confirmTimeout", e.cfg.Ecsp.ConfirmTimeout)
	e.updateEcspControlLocked()
}

// updateEcspControlLocked pushes the current enable flag and confirm
// timeout to the switch. No-op until supervision is initialized.
func (e *Engine) updateEcspControlLocked() {
	if !e.ecspInitialized || e.deps.Stack == nil {
		return
	}
	ecsp, ok := e.deps.Stack.ECSP()
	if !ok {
		return
	}
	if err := ecsp.SetControl(e.cfg.Ecsp.Enabled, e.cfg.Ecsp.ConfirmTimeout); err != nil {
		e.logger.Warn("failed to update ECSP control word", "error", err)
	}
}

// pollEcsp reads the switch status at most once per interval and returns
// the timestamp of the last poll for the worker to carry forward. The
// first call polls immediately.
func (e *Engine) pollEcsp(now time.Time, interval time.Duration, lastPoll time.Time) time.Time {
	if interval < ecspPollFloor {
		interval = ecspPollFloor
	}
	if !lastPoll.IsZero() && now.Sub(lastPoll) < interval {
		return lastPoll
	}
	ecsp, ok := e.deps.Stack.ECSP()
	if !ok {
		return now
	}
	if _, err := ecsp.Status(); err != nil {
		e.logger.Warn("ECSP status poll failed", "error", err)
	}
	return now
}
