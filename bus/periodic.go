package bus

import (
	"sync"
	"time"

	"github.com/gavinwade12/dpload/logging"
)

type periodic struct {
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// startPeriodic sends f through send immediately and then on every tick
// until the task is stopped or done is closed. Send failures are logged and
// do not end the task.
func startPeriodic(send func(Frame) error, f Frame, period time.Duration, done <-chan struct{}, l logging.Logger) *periodic {
	p := &periodic{stop: make(chan struct{})}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			if err := send(f); err != nil {
				l.Debugf("periodic send of %s: %v", f, err)
			}
			select {
			case <-p.stop:
				return
			case <-done:
				return
			case <-t.C:
			}
		}
	}()
	return p
}

func (p *periodic) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}
