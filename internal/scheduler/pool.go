package scheduler

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/tastythames/ssh-fleet/internal/metrics"
)

// Slot is one connection bound to one host. Whoever acquired it from the
// Pool owns it exclusively until Release.
type Slot struct {
	ID   int
	Host Host

	hostIdx int
	conn    Conn
	dial    DialFunc
}

func (s *Slot) String() string {
	return s.Host.Name() + "#" + strconv.Itoa(s.ID)
}

// logFields identifies the slot, and its host's labels, in log entries.
func (s *Slot) logFields() log.Fields {
	fields := log.Fields{"slot": s.String()}
	for k, v := range s.Host.Labels {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	return fields
}

// reconnect closes the current connection and dials the same host again.
func (s *Slot) reconnect(ctx context.Context, b backoff.BackOff) error {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	try := 1
	return backoff.Retry(func() error {
		conn, err := s.dial(ctx, s.Host)
		if err != nil {
			log.WithFields(s.logFields()).WithField("try", try).Warnf("reconnect failed: %v", err)
			try++
			return err
		}
		s.conn = conn
		return nil
	}, backoff.WithContext(b, ctx))
}

func (s *Slot) close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func defaultReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	return backoff.WithMaxRetries(b, 4)
}

// Pool holds the idle slots. Acquire blocks until one is free.
type Pool struct {
	slots   chan *Slot
	size    int
	metrics *metrics.Metrics
}

func newPool(slots []*Slot, m *metrics.Metrics) *Pool {
	p := &Pool{
		slots:   make(chan *Slot, len(slots)),
		size:    len(slots),
		metrics: m,
	}
	for _, s := range slots {
		p.slots <- s
	}
	return p
}

func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s := <-p.slots:
		p.metrics.SlotAcquired()
		return s, nil
	}
}

// Release returns s to the pool. It never blocks: the channel holds every
// slot the pool was built with.
func (p *Pool) Release(s *Slot) {
	p.metrics.SlotReleased()
	p.slots <- s
}

// Size is the total number of slots.
func (p *Pool) Size() int { return p.size }

// Idle is the number of slots currently free.
func (p *Pool) Idle() int { return len(p.slots) }
