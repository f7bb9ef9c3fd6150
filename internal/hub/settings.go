package hub

import "time"

// RateLimit bounds how many invocations one session may issue: Burst
// invocations per RefillInterval.
type RateLimit struct {
	Burst          int
	RefillInterval time.Duration
}

// budget is one session's remaining invocation allowance. It refills
// continuously at Burst per RefillInterval and never holds more than Burst.
// Only the session's read goroutine touches it.
type budget struct {
	limit  RateLimit
	tokens float64
	last   time.Time
}

func (r RateLimit) budget(now time.Time) *budget {
	return &budget{limit: r, tokens: float64(r.Burst), last: now}
}

// admit charges one invocation made at now and reports whether the
// allowance covered it.
func (b *budget) admit(now time.Time) bool {
	if elapsed := now.Sub(b.last); elapsed > 0 {
		refill := float64(b.limit.Burst) * elapsed.Seconds() / b.limit.RefillInterval.Seconds()
		b.tokens = min(float64(b.limit.Burst), b.tokens+refill)
		b.last = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Settings tunes per-session transport behavior.
type Settings struct {
	// QueueSize is the capacity of each session's outbound queue. A session
	// whose queue overflows is closed.
	QueueSize int

	// MaxMessageSize bounds a single inbound transport message.
	MaxMessageSize int64

	// HandshakeTimeout bounds the wait for the client's handshake request.
	HandshakeTimeout time.Duration

	// KeepAliveInterval is the period of server pings.
	KeepAliveInterval time.Duration

	// ClientTimeout closes a session that sent nothing for this long.
	// Must be greater than the client's own keep-alive interval.
	ClientTimeout time.Duration

	// WriteWait bounds a single transport write.
	WriteWait time.Duration

	RateLimit RateLimit
}

// DefaultSettings returns the settings used when none are configured.
func DefaultSettings() Settings {
	return Settings{
		QueueSize:         256,
		MaxMessageSize:    32 * 1024,
		HandshakeTimeout:  15 * time.Second,
		KeepAliveInterval: 15 * time.Second,
		ClientTimeout:     30 * time.Second,
		WriteWait:         10 * time.Second,
		RateLimit: RateLimit{
			Burst:          20,
			RefillInterval: time.Second,
		},
	}
}

// sanitize replaces every non-positive value with its default.
func (s Settings) sanitize() Settings {
	def := DefaultSettings()
	if s.QueueSize <= 0 {
		s.QueueSize = def.QueueSize
	}
	if s.MaxMessageSize <= 0 {
		s.MaxMessageSize = def.MaxMessageSize
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = def.HandshakeTimeout
	}
	if s.KeepAliveInterval <= 0 {
		s.KeepAliveInterval = def.KeepAliveInterval
	}
	if s.ClientTimeout <= 0 {
		s.ClientTimeout = def.ClientTimeout
	}
	if s.WriteWait <= 0 {
		s.WriteWait = def.WriteWait
	}
	if s.RateLimit.Burst <= 0 {
		s.RateLimit.Burst = def.RateLimit.Burst
	}
	if s.RateLimit.RefillInterval <= 0 {
		s.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	return s
}
