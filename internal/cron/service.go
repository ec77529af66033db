// Package cron schedules the recurring background jobs: the nightly
// consolidation pass and the reminder delivery tick.
package cron

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

type Service struct {
	mu     sync.Mutex
	cron   *rcron.Cron
	names  map[rcron.EntryID]string
	cancel context.CancelFunc
}

func NewService() *Service {
	return &Service{
		cron:  rcron.New(),
		names: make(map[rcron.EntryID]string),
	}
}

// AddDaily registers fn to run once a day at the given local wall time
// ("HH:MM", 24-hour).
func (s *Service) AddDaily(name, at string, fn func()) error {
	hour, minute, err := parseWallTime(at)
	if err != nil {
		return fmt.Errorf("add daily job %s: %w", name, err)
	}
	expr := fmt.Sprintf("%d %d * * *", minute, hour)
	return s.add(name, expr, fn)
}

// AddEvery registers fn to run on a fixed interval.
func (s *Service) AddEvery(name string, every time.Duration, fn func()) error {
	if every <= 0 {
		return fmt.Errorf("add interval job %s: non-positive interval", name)
	}
	return s.add(name, "@every "+every.String(), fn)
}

func (s *Service) add(name, expr string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(expr, func() {
		log.Printf("[cron] executing job %s", name)
		fn()
	})
	if err != nil {
		return fmt.Errorf("register job %s (%s): %w", name, expr, err)
	}
	s.names[id] = name
	return nil
}

func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	jobCount := len(s.names)
	s.mu.Unlock()

	s.cron.Start()
	log.Printf("[cron] started with %d jobs", jobCount)

	go func() {
		<-runCtx.Done()
		s.stopCron()
	}()
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		return
	}
	s.stopCron()
}

func (s *Service) stopCron() {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(5 * time.Second):
		log.Printf("[cron] stop timeout waiting for running jobs")
	}
	log.Printf("[cron] stopped")
}

// Jobs returns the names of the registered jobs.
func (s *Service) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.names))
	for _, name := range s.names {
		names = append(names, name)
	}
	return names
}

func parseWallTime(at string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(at), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid wall time %q, want HH:MM", at)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", at)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", at)
	}
	return hour, minute, nil
}
