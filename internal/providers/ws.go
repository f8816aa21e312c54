package providers

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	wsConnectTimeout = 10 * time.Second
	wsPingInterval   = 20 * time.Second
	wsBackoffFloor   = time.Second
	wsBackoffCap     = 30 * time.Second
	// Reconnect failures before the stream is flagged DEGRADED. The
	// stream keeps retrying indefinitely either way.
	wsDegradedAfter = 3
)

// StreamConfig describes one long-lived venue stream. Subscribe and Ping are
// venue-specific; Handle receives every raw frame.
type StreamConfig struct {
	Venue     string
	URL       string
	Subscribe func(conn *websocket.Conn) error
	Handle    func(data []byte) error
	// Ping sends the venue's application-level heartbeat. Nil venues get
	// a protocol-level ping frame instead.
	Ping func(conn *websocket.Conn) error
}

// HealthFunc receives stream degradation transitions.
type HealthFunc func(venue string, degraded bool, consecutiveFailures int)

// RunStream maintains one connection per config: connect, subscribe,
// consume; reconnect with exponential backoff capped at 30s. Returns only
// when ctx is cancelled.
func RunStream(ctx context.Context, cfg StreamConfig, onHealth HealthFunc) error {
	backoff := wsBackoffFloor
	failures := 0
	degraded := false

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := runOnce(ctx, cfg)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		if failures >= wsDegradedAfter && !degraded {
			degraded = true
			if onHealth != nil {
				onHealth(cfg.Venue, true, failures)
			}
			log.Warn().Str("venue", cfg.Venue).Int("failures", failures).
				Msg("liquidation stream degraded, still retrying")
		}
		log.Debug().Str("venue", cfg.Venue).Err(err).Dur("backoff", backoff).
			Msg("liquidation stream disconnected")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > wsBackoffCap {
			backoff = wsBackoffCap
		}

		// A clean session resets the penalty; runOnce signals that by
		// having consumed at least one frame.
		if consumedFrames(err) {
			backoff = wsBackoffFloor
			failures = 0
			if degraded {
				degraded = false
				if onHealth != nil {
					onHealth(cfg.Venue, false, 0)
				}
			}
		}
	}
}

// sessionError distinguishes connections that delivered data before failing
// from ones that never got going.
type sessionError struct {
	err      error
	consumed bool
}

func (e *sessionError) Error() string { return e.err.Error() }
func (e *sessionError) Unwrap() error { return e.err }

func consumedFrames(err error) bool {
	se, ok := err.(*sessionError)
	return ok && se.consumed
}

func runOnce(ctx context.Context, cfg StreamConfig) error {
	dialCtx, cancel := context.WithTimeout(ctx, wsConnectTimeout)
	defer cancel()

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = wsConnectTimeout
	conn, _, err := dialer.DialContext(dialCtx, cfg.URL, nil)
	if err != nil {
		return &sessionError{err: err}
	}
	defer conn.Close()

	if cfg.Subscribe != nil {
		if err := cfg.Subscribe(conn); err != nil {
			return &sessionError{err: err}
		}
	}
	log.Info().Str("venue", cfg.Venue).Str("url", cfg.URL).Msg("liquidation stream connected")

	// Heartbeat at 20s cadence; the reader enforces liveness through read
	// deadlines slightly beyond two ping periods.
	pingDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				var perr error
				if cfg.Ping != nil {
					perr = cfg.Ping(conn)
				} else {
					perr = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
				if perr != nil {
					conn.Close()
					return
				}
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()
	defer close(pingDone)

	consumed := false
	for {
		conn.SetReadDeadline(time.Now().Add(2*wsPingInterval + 5*time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return &sessionError{err: err, consumed: consumed}
		}
		consumed = true
		if err := cfg.Handle(data); err != nil {
			log.Debug().Str("venue", cfg.Venue).Err(err).Msg("dropping undecodable stream frame")
		}
	}
}
