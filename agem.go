package agem

import (
	"github.com/agem-lang/agem/gen"
	"github.com/agem-lang/agem/sched"
)

// Version of the runtime.
const Version = "1.0.0"

// StartScheduler creates a scheduler with the given options and starts its
// worker pool.
func StartScheduler(options gen.SchedulerOptions) (*sched.Scheduler, error) {
	s, err := sched.New(options)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}
