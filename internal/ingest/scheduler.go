package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultCollectSchedule  = "0 5,11,17,23 * * *"
	DefaultMaintainSchedule = "30 3 * * *"
)

// Scheduler triggers collection and maintenance from cron expressions
// evaluated in the canonical zone.
type Scheduler struct {
	cron      *cron.Cron
	collector *Collector
	timeout   time.Duration
}

func NewScheduler(collector *Collector, loc *time.Location, timeout time.Duration) *Scheduler {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		collector: collector,
		timeout:   timeout,
	}
}

// Schedule registers both jobs. An empty spec disables that job.
func (s *Scheduler) Schedule(collectSpec, maintainSpec string) error {
	if collectSpec != "" {
		if _, err := s.cron.AddFunc(collectSpec, s.collect); err != nil {
			return fmt.Errorf("add collect job %q: %w", collectSpec, err)
		}
	}
	if maintainSpec != "" {
		if _, err := s.cron.AddFunc(maintainSpec, s.maintain); err != nil {
			return fmt.Errorf("add maintain job %q: %w", maintainSpec, err)
		}
	}
	return nil
}

// Run starts the cron loop and blocks until ctx is done, then waits for a
// running job to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		log.Printf("scheduler: next run at %s", e.Next.Format(time.RFC3339))
	}
	<-ctx.Done()
	log.Println("scheduler: shutting down")
	<-s.cron.Stop().Done()
}

func (s *Scheduler) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.collector.CollectForAllUsers(ctx)
	if err != nil {
		log.Printf("scheduler: collect: %v", err)
		return
	}
	log.Printf("scheduler: collected %d/%d user locations", res.SuccessCount, res.TotalUsers)
}

func (s *Scheduler) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.collector.Maintain(ctx); err != nil {
		log.Printf("scheduler: maintain: %v", err)
	}
}
