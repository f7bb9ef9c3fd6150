package hub

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gohub/internal/metrics"
	"github.com/Tyrowin/gohub/internal/protocol"
)

// Dispatcher fans one invocation frame out to a selection of sessions. The
// frame is encoded once per call. Delivery to each session is independent:
// a session that cannot take the frame is closed and unregistered, and the
// others still receive it.
type Dispatcher struct {
	registry *Registry
	groups   *Groups
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewDispatcher creates a dispatcher over registry and groups.
func NewDispatcher(registry *Registry, groups *Groups, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		groups:   groups,
		metrics:  m,
		log:      log,
	}
}

// BroadcastAll invokes method on every session registered at call time.
func (d *Dispatcher) BroadcastAll(method string, args ...any) error {
	frame, err := encodeInvocation(method, args)
	if err != nil {
		return err
	}
	d.metrics.Broadcast("all")
	d.deliver(d.registry.All(), frame, method)
	return nil
}

// BroadcastOthers invokes method on every registered session except exclude.
func (d *Dispatcher) BroadcastOthers(exclude string, method string, args ...any) error {
	frame, err := encodeInvocation(method, args)
	if err != nil {
		return err
	}
	d.metrics.Broadcast("others")

	snapshot := d.registry.All()
	targets := snapshot[:0]
	for _, s := range snapshot {
		if s.ID() != exclude {
			targets = append(targets, s)
		}
	}
	d.deliver(targets, frame, method)
	return nil
}

// BroadcastTo invokes method on one session. An unknown identity is a no-op.
func (d *Dispatcher) BroadcastTo(id string, method string, args ...any) error {
	frame, err := encodeInvocation(method, args)
	if err != nil {
		return err
	}
	d.metrics.Broadcast("client")

	s, err := d.registry.Lookup(id)
	if err != nil {
		d.log.Debug().Str("conn", id).Str("method", method).Msg("Target session not found, skipping")
		return nil
	}
	d.deliver([]*Session{s}, frame, method)
	return nil
}

// BroadcastGroup invokes method on the registered members of group.
func (d *Dispatcher) BroadcastGroup(group string, method string, args ...any) error {
	frame, err := encodeInvocation(method, args)
	if err != nil {
		return err
	}
	d.metrics.Broadcast("group")
	d.deliver(d.registry.Select(d.groups.Members(group)), frame, method)
	return nil
}

func encodeInvocation(method string, args []any) ([]byte, error) {
	f, err := protocol.NewInvocation("", method, args...)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(f)
}

// deliver enqueues frame on each target and returns how many accepted it.
func (d *Dispatcher) deliver(targets []*Session, frame []byte, method string) int {
	delivered := 0
	for _, s := range targets {
		if err := s.Send(frame); err != nil {
			d.recordFailure(s, method, err)
			continue
		}
		delivered++
	}

	d.log.Debug().Str("method", method).Int("targets", len(targets)).Int("delivered", delivered).Msg("Broadcast delivered")
	return delivered
}

// recordFailure logs and counts a failed delivery and makes sure the
// session is gone from the registry. A session that was already closing
// left normally and is not counted.
func (d *Dispatcher) recordFailure(s *Session, method string, err error) {
	if errors.Is(err, ErrSessionClosed) {
		d.log.Debug().Str("conn", s.ID()).Str("method", method).Msg("Skipped closed session")
		return
	}

	d.metrics.DeliveryFailed("overflow")
	d.log.Info().Str("conn", s.ID()).Str("method", method).Err(err).Msg("Session removed after failed delivery")
	s.Close()
}
