package lib

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"
)

// ReconnectConfig defines the reconnection behavior
type ReconnectConfig struct {
	MaxRetries        int           // Maximum number of reconnection attempts (-1 for infinite)
	InitialBackoff    time.Duration // Initial backoff duration (e.g., 100ms)
	MaxBackoff        time.Duration // Maximum backoff duration (e.g., 30s)
	BackoffMultiplier float64       // Backoff multiplier for exponential backoff
	OnReconnect       func()        // Optional callback when reconnection succeeds
	OnFinalFailure    func(error)   // Optional callback when all reconnection attempts fail
}

func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxRetries:        10,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// DialFunc opens a fresh session, e.g. a closure over KcpCore.DialKcp.
type DialFunc func(ctx context.Context) (*Session, error)

// ReconnectingConnection wraps a Session and dials a new one when the
// current session times out or is closed under it. Bytes in flight on the
// failed session are lost; the caller's protocol has to tolerate that.
type ReconnectingConnection struct {
	reconnectConfig *ReconnectConfig
	dial            DialFunc

	mu             sync.RWMutex
	current        *Session
	isClosed       bool
	reconnectCount int
	reconnects     int
	lastError      error
	lastFailTime   time.Time
}

// NewReconnectingConnection dials the first session and returns the wrapper.
func NewReconnectingConnection(ctx context.Context, dial DialFunc, reconnectConfig *ReconnectConfig) (*ReconnectingConnection, error) {
	if reconnectConfig == nil {
		reconnectConfig = DefaultReconnectConfig()
	}
	s, err := dial(ctx)
	if err != nil {
		return nil, err
	}
	return &ReconnectingConnection{
		reconnectConfig: reconnectConfig,
		dial:            dial,
		current:         s,
	}, nil
}

func (rc *ReconnectingConnection) session() (*Session, error) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	if rc.isClosed {
		return nil, ErrConnectionClosed
	}
	return rc.current, nil
}

// Read implements net.Conn, reconnecting on session failure.
func (rc *ReconnectingConnection) Read(b []byte) (int, error) {
	for {
		s, err := rc.session()
		if err != nil {
			return 0, err
		}
		n, err := s.Read(b)
		if err == nil || !rc.shouldReconnect(err) {
			return n, err
		}
		log.Printf("ReconnectingConnection: read error: %v. Attempting reconnection...", err)
		if err := rc.reconnect(context.Background(), s); err != nil {
			return 0, err
		}
	}
}

// Write implements net.Conn, reconnecting on session failure.
func (rc *ReconnectingConnection) Write(b []byte) (int, error) {
	for {
		s, err := rc.session()
		if err != nil {
			return 0, err
		}
		n, err := s.Write(b)
		if err == nil || !rc.shouldReconnect(err) {
			return n, err
		}
		log.Printf("ReconnectingConnection: write error: %v. Attempting reconnection...", err)
		if err := rc.reconnect(context.Background(), s); err != nil {
			return 0, err
		}
	}
}

func (rc *ReconnectingConnection) Close() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.isClosed {
		return ErrConnectionClosed
	}
	rc.isClosed = true
	return rc.current.Close()
}

func (rc *ReconnectingConnection) LocalAddr() net.Addr {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.current.LocalAddr()
}

func (rc *ReconnectingConnection) RemoteAddr() net.Addr {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.current.RemoteAddr()
}

func (rc *ReconnectingConnection) SetDeadline(t time.Time) error {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.current.SetDeadline(t)
}

func (rc *ReconnectingConnection) SetReadDeadline(t time.Time) error {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.current.SetReadDeadline(t)
}

func (rc *ReconnectingConnection) SetWriteDeadline(t time.Time) error {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.current.SetWriteDeadline(t)
}

// shouldReconnect is true for session failures, not for deadlines or an
// orderly close by the peer.
func (rc *ReconnectingConnection) shouldReconnect(err error) bool {
	if err == errDeadline {
		return false
	}
	var te *TransportError
	return errors.Is(err, ErrConnectionTimedOut) || errors.Is(err, ErrConnectionClosed) || errors.As(err, &te)
}

// reconnect replaces failed with a new session. Concurrent callers that saw
// the same failure share one reconnection.
func (rc *ReconnectingConnection) reconnect(ctx context.Context, failed *Session) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.isClosed {
		return ErrConnectionClosed
	}
	if rc.current != failed {
		return nil
	}
	failed.Close()

	rc.reconnectCount = 0
	var lastErr error
	for {
		if rc.reconnectConfig.MaxRetries != -1 && rc.reconnectCount >= rc.reconnectConfig.MaxRetries {
			err := fmt.Errorf("reconnection failed after %d attempts: %w", rc.reconnectCount, lastErr)
			if rc.reconnectConfig.OnFinalFailure != nil {
				rc.reconnectConfig.OnFinalFailure(err)
			}
			return err
		}

		backoff := rc.calculateBackoff(rc.reconnectCount)
		log.Printf("ReconnectingConnection: reconnection attempt %d, waiting %v...", rc.reconnectCount+1, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}

		s, err := rc.dial(ctx)
		if err == nil {
			rc.current = s
			rc.reconnects++
			rc.lastError = nil
			rc.lastFailTime = time.Time{}
			log.Printf("ReconnectingConnection: reconnected on attempt %d as conv %d", rc.reconnectCount+1, s.Conv())
			rc.reconnectCount = 0
			if rc.reconnectConfig.OnReconnect != nil {
				rc.reconnectConfig.OnReconnect()
			}
			return nil
		}

		lastErr = err
		rc.lastError = err
		rc.lastFailTime = time.Now()
		rc.reconnectCount++
		log.Printf("ReconnectingConnection: reconnection attempt %d failed: %v", rc.reconnectCount, err)
	}
}

// calculateBackoff grows exponentially with ±10% jitter.
func (rc *ReconnectingConnection) calculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rc.reconnectConfig.InitialBackoff) *
		math.Pow(rc.reconnectConfig.BackoffMultiplier, float64(attempt)))
	if backoff > rc.reconnectConfig.MaxBackoff {
		backoff = rc.reconnectConfig.MaxBackoff
	}
	jitter := time.Duration(float64(backoff) * 0.1 * (2*rand.Float64() - 1.0))
	return backoff + jitter
}

// Session returns the current underlying session.
func (rc *ReconnectingConnection) Session() *Session {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.current
}

// ReconnectStats reports how many times the session was replaced and the
// last failed attempt, if any.
func (rc *ReconnectingConnection) ReconnectStats() (reconnects int, lastErr error, lastFailTime time.Time) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.reconnects, rc.lastError, rc.lastFailTime
}
