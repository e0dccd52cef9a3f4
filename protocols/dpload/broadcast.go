package dpload

import (
	"sync"
	"time"

	"github.com/gavinwade12/dpload/bus"
	"github.com/gavinwade12/dpload/logging"
	"github.com/gavinwade12/dpload/protocols/j1939"
	"github.com/pkg/errors"
)

// BroadcastPeriod is the repetition period of the DM13 message.
const BroadcastPeriod = 2 * time.Second

// dm13Hold asks every node to suspend its broadcasts on the current
// network while a node is being programmed.
var dm13Hold = []byte{0x00, 0xff, 0xff, 0x0f, 0xff, 0xff, 0xff, 0xff}

// Broadcast controls the periodic DM13 (stop/start broadcast) message that
// keeps nodes quiet during programming. The zero state is stopped.
type Broadcast struct {
	bus    bus.Bus
	frame  bus.Frame
	period time.Duration
	logger logging.Logger

	mu   sync.Mutex
	task bus.PeriodicTask
}

func newBroadcast(b bus.Bus, sa byte, l logging.Logger) *Broadcast {
	return &Broadcast{
		bus: b,
		frame: bus.Frame{
			ID:       j1939.BuildID(j1939.PDU1PGN(j1939.PFDM13, j1939.AddrGlobal), sa, j1939.DefaultPriority),
			Data:     dm13Hold,
			Extended: true,
		},
		period: BroadcastPeriod,
		logger: l,
	}
}

// Set starts or stops the broadcast. Starting a running broadcast and
// stopping a stopped one do nothing.
func (b *Broadcast) Set(enabled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case enabled && b.task == nil:
		task, err := b.bus.SendPeriodic(b.frame, b.period)
		if err != nil {
			return errors.Wrap(err, "starting DM13 broadcast")
		}
		b.task = task
		b.logger.Debug("DM13 broadcast started")
	case !enabled && b.task != nil:
		b.task.Stop()
		b.task = nil
		b.logger.Debug("DM13 broadcast stopped")
	}
	return nil
}

// Running reports whether the broadcast is active.
func (b *Broadcast) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.task != nil
}
