package server

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gohub/internal/config"
)

// originPolicy decides which browser origins may open a hub connection.
type originPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	log      zerolog.Logger
}

func newOriginPolicy(cfg config.Config, log zerolog.Logger) *originPolicy {
	normalized, allowAll := config.NormalizeOrigins(cfg.AllowedOrigins)
	p := &originPolicy{
		allowed:  make(map[string]struct{}, len(normalized)),
		allowAll: allowAll || cfg.AllowAllOrigins,
		log:      log,
	}
	for _, origin := range normalized {
		p.allowed[origin] = struct{}{}
	}
	return p
}

func (p *originPolicy) isAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := config.NormalizeOrigin(originHeader)
	if !ok {
		return false
	}
	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// checkOrigin is the upgrader's CheckOrigin hook.
func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.isAllowed(r) {
		return true
	}

	p.log.Warn().Str("origin", r.Header.Get("Origin")).Str("addr", r.RemoteAddr).Msg("Blocked WebSocket connection from disallowed origin")
	return false
}
