package runner

import (
	"fmt"
	"sync"
)

// Job is the work for one repository group.
type Job struct {
	Repo string
	Run  func() error
}

// GroupError is a failure that ended a repository group early.
type GroupError struct {
	Repo string
	Err  error
}

func (e *GroupError) Error() string { return fmt.Sprintf("repo %s: %v", e.Repo, e.Err) }

func (e *GroupError) Unwrap() error { return e.Err }

// RunPool executes jobs with at most maxWorkers concurrently. A job that
// fails or panics yields a *GroupError; the other jobs keep running.
func RunPool(maxWorkers int, jobs []Job) []error {
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	sem := make(chan struct{}, maxWorkers)

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(j Job) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := runJob(j); err != nil {
				mu.Lock()
				errs = append(errs, &GroupError{Repo: j.Repo, Err: err})
				mu.Unlock()
			}
		}(job)
	}
	wg.Wait()
	return errs
}

func runJob(j Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return j.Run()
}
