// Package transport exposes the broker over websockets, with health and
// metrics endpoints on the same listener.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/relaypad/relaypad/internal/broker"
)

// Options configures the websocket front end.
type Options struct {
	Addr   string
	Broker *broker.Server
	Logger zerolog.Logger

	MaxConnections int

	// New-connection rate limiting: per-IP and global token buckets.
	ConnRate  float64
	ConnBurst int

	WriteTimeout time.Duration
	DrainTimeout time.Duration

	// Metrics, when non-nil, is served at /metrics.
	Metrics http.Handler
}

// ipLimiterTTL is how long an idle per-IP limiter stays resident.
const ipLimiterTTL = 5 * time.Minute

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Server accepts websocket connections and hands them to the broker.
type Server struct {
	opts   Options
	logger zerolog.Logger
	broker *broker.Server

	listener net.Listener
	httpSrv  *http.Server

	sem    chan struct{}
	global *rate.Limiter

	ipMu sync.Mutex
	ips  map[string]*ipEntry

	shuttingDown atomic.Bool
	stopCleanup  chan struct{}
	wg           sync.WaitGroup
}

// NewServer builds the front end. Broker and Addr are required.
func NewServer(opts Options) (*Server, error) {
	if opts.Broker == nil {
		return nil, errors.New("transport: Options.Broker is required")
	}
	if opts.Addr == "" {
		return nil, errors.New("transport: Options.Addr is required")
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	if opts.ConnRate <= 0 {
		opts.ConnRate = 100
	}
	if opts.ConnBurst <= 0 {
		opts.ConnBurst = 200
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}

	return &Server{
		opts:        opts,
		logger:      opts.Logger.With().Str("component", "transport").Logger(),
		broker:      opts.Broker,
		sem:         make(chan struct{}, opts.MaxConnections),
		global:      rate.NewLimiter(rate.Limit(opts.ConnRate), opts.ConnBurst),
		ips:         make(map[string]*ipEntry),
		stopCleanup: make(chan struct{}),
	}, nil
}

// Start begins listening and serving. It returns once the listener is bound;
// accept errors after shutdown are swallowed.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		mux.Handle("/metrics", s.opts.Metrics)
	}

	s.httpSrv = &http.Server{
		Handler:        mux,
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Accept loop error")
		}
	}()

	s.wg.Add(1)
	go s.cleanupLoop()

	s.logger.Info().
		Str("addr", s.opts.Addr).
		Int("max_connections", s.opts.MaxConnections).
		Msg("Transport listening")
	return nil
}

// Shutdown stops accepting connections and drains the HTTP server within the
// drain window. Websocket connections themselves are closed by the broker's
// Dispose.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	close(s.stopCleanup)

	drainCtx, cancel := context.WithTimeout(ctx, s.opts.DrainTimeout)
	defer cancel()
	err := s.httpSrv.Shutdown(drainCtx)
	s.wg.Wait()

	s.logger.Info().Msg("Transport shut down")
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	if !s.allowConnection(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	select {
	case s.sem <- struct{}{}:
	default:
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.opts.MaxConnections).
			Msg("Connection rejected: at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.sem
		s.logger.Error().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	var semOnce sync.Once
	conn := NewConn(netConn, s.broker.RPC(), s.opts.WriteTimeout, func() {
		semOnce.Do(func() { <-s.sem })
	})

	// The request context dies when this handler returns; the connection's
	// lifetime is governed by the broker from here on.
	client, err := s.broker.CreateClient(context.Background(), conn, r.URL.Query().Get("clientId"))
	if err != nil {
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("Client registration failed")
		conn.Close()
		return
	}

	s.logger.Debug().
		Str("client_ip", clientIP).
		Str("client_id", client.ID()).
		Msg("Client connected")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"node_id":  s.broker.NodeID(),
		"clients":  s.broker.ClientCount(),
		"sessions": s.broker.SessionCount(),
	})
}

// allowConnection checks the global bucket first, then the per-IP bucket.
func (s *Server) allowConnection(ip string) bool {
	if !s.global.Allow() {
		return false
	}

	s.ipMu.Lock()
	entry, ok := s.ips[ip]
	if !ok {
		// Per-IP budget is a tenth of the global budget, floor of one.
		burst := s.opts.ConnBurst / 10
		if burst < 1 {
			burst = 1
		}
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(s.opts.ConnRate/10), burst)}
		s.ips[ip] = entry
	}
	entry.lastAccess = time.Now()
	limiter := entry.limiter
	s.ipMu.Unlock()

	return limiter.Allow()
}

// cleanupLoop evicts idle per-IP limiters so the map cannot grow without
// bound.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.ipMu.Lock()
			for ip, entry := range s.ips {
				if now.Sub(entry.lastAccess) > ipLimiterTTL {
					delete(s.ips, ip)
				}
			}
			s.ipMu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// clientIP extracts the originating IP, honoring X-Forwarded-For when a load
// balancer sits in front.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
