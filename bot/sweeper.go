package bot

import (
	"context"
	"fmt"
	"time"

	"apiseller/lib/sl"
)

// Sweeper periodically deactivates expired keys. Every run is idempotent
// with the lazy self-heal in validation, so the interval is a freshness
// knob, not a correctness one.
type Sweeper struct {
	bot      *TgBot
	interval time.Duration
	stopCh   chan struct{}
	done     chan struct{}
}

func NewSweeper(bot *TgBot, interval time.Duration) *Sweeper {
	return &Sweeper{
		bot:      bot,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) StartTicker() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.run()
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *Sweeper) run() {
	n, err := s.bot.ent.SweepExpired(context.Background())
	if err != nil {
		s.bot.log.Warn("expiry sweep", sl.Err(err))
		return
	}
	if n > 0 {
		s.bot.notifyAdmins(fmt.Sprintf("Expiry sweep: %d key\\(s\\) deactivated\\.", n))
	}
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.done
}
