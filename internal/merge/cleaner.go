package merge

import (
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultCleanupQueue = 64

type cleanupJob struct {
	paths []string
	dir   string
	due   time.Time
}

// Cleaner removes temporary files on a background goroutine after a delay.
// Close stops intake and runs every pending job without waiting.
type Cleaner struct {
	mu     sync.Mutex
	closed bool
	jobs   chan cleanupJob
	flush  chan struct{}
	done   chan struct{}
}

func NewCleaner(queueSize int) *Cleaner {
	if queueSize <= 0 {
		queueSize = DefaultCleanupQueue
	}
	c := &Cleaner{
		jobs:  make(chan cleanupJob, queueSize),
		flush: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Schedule queues removal of paths and then dir (only if empty). It never
// blocks: with a full queue or a closed cleaner the job runs inline.
func (c *Cleaner) Schedule(paths []string, dir string, delay time.Duration) {
	job := cleanupJob{paths: paths, dir: dir, due: time.Now().Add(delay)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		removeAll(job)
		return
	}
	select {
	case c.jobs <- job:
	default:
		log.Warn().Str("op", "merge/cleaner").Msg("cleanup queue full, cleaning inline")
		removeAll(job)
	}
}

func (c *Cleaner) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	close(c.flush)
	close(c.jobs)
	c.mu.Unlock()
	<-c.done
}

func (c *Cleaner) run() {
	defer close(c.done)
	for job := range c.jobs {
		if wait := time.Until(job.due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-c.flush:
				timer.Stop()
			}
		}
		removeAll(job)
	}
}

func removeAll(job cleanupJob) {
	deleted, failed := 0, 0
	for _, p := range job.paths {
		if err := os.Remove(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			failed++
			log.Warn().Str("op", "merge/cleaner").Msgf("failed to delete %s: %v", p, err)
			continue
		}
		deleted++
	}
	if job.dir != "" {
		if err := os.Remove(job.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Debug().Str("op", "merge/cleaner").Msgf("left temp directory %s in place: %v", job.dir, err)
		}
	}
	log.Debug().Str("op", "merge/cleaner").Msgf("cleanup completed: %d deleted, %d failed", deleted, failed)
}
