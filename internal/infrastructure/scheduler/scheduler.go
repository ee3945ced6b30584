package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Logger is the slice of the application logger the scheduler needs.
type Logger interface {
	Infof(template string, args ...interface{})
	Errorf(template string, args ...interface{})
}

type Scheduler struct {
	cron *cron.Cron
	log  Logger
}

// New builds a scheduler with second-precision cron specs. Runs of the
// same job never overlap: a tick that fires while the previous run is
// still in flight is skipped.
func New(log Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{log})),
		),
		log: log,
	}
}

func (s *Scheduler) AddJob(name, spec string, job func(context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		s.log.Infof("job %s: started", name)
		if err := job(context.Background()); err != nil {
			s.log.Errorf("job %s: failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
			return
		}
		s.log.Infof("job %s: finished in %s", name, time.Since(start).Round(time.Millisecond))
	})
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// cronLogger adapts Logger to the cron.Logger interface the job chain
// reports through.
type cronLogger struct {
	log Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Infof("cron: %s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Errorf("cron: %s: %v %v", msg, err, keysAndValues)
}
