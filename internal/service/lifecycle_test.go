package service

import (
	"testing"

	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleTransitions(t *testing.T) {
	s := &Scheduler{log: logger.Component("scheduler")}

	cases := []struct {
		name     string
		from     string
		triggers []string
		want     string
	}{
		{"clean start", LifecycleStopped, []string{triggerStart, triggerReady}, LifecycleRunning},
		{"first cycle fails before ready", LifecycleStopped, []string{triggerStart, triggerFail, triggerReady}, LifecycleFailing},
		{"recovers before ready", LifecycleStopped, []string{triggerStart, triggerFail, triggerRecover, triggerReady}, LifecycleRunning},
		{"recover while starting", LifecycleStopped, []string{triggerStart, triggerRecover}, LifecycleStarting},
		{"start aborted after failure", LifecycleStopped, []string{triggerStart, triggerFail, triggerAbort}, LifecycleStopped},
		{"restart from error", LifecycleError, []string{triggerStart, triggerFault}, LifecycleError},
		{"failing then stopped", LifecycleRunning, []string{triggerFail, triggerFail, triggerStop, triggerFail, triggerStopped}, LifecycleStopped},
		{"ack", LifecycleError, []string{triggerAck}, LifecycleStopped},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sl := s.newSlot("s1", tc.from)
			for _, trig := range tc.triggers {
				require.NoError(t, sl.fsm.Fire(trig), "trigger %s in %s", trig, sl.state())
			}
			assert.Equal(t, tc.want, sl.state())
		})
	}
}

func TestLifecycleRejectsInvalidTriggers(t *testing.T) {
	s := &Scheduler{log: logger.Component("scheduler")}

	cases := []struct {
		from    string
		trigger string
	}{
		{LifecycleStopped, triggerStop},
		{LifecycleStopped, triggerReady},
		{LifecycleRunning, triggerStart},
		{LifecycleError, triggerReady},
		{LifecycleStopping, triggerStart},
	}
	for _, tc := range cases {
		sl := s.newSlot("s1", tc.from)
		assert.Error(t, sl.fsm.Fire(tc.trigger), "%s in %s", tc.trigger, tc.from)
		assert.Equal(t, tc.from, sl.state())
	}
}
