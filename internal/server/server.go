// Package server wires transport listeners, sessions, and domains
// together into one supervised process, grounded on the main service
// supervisor pattern syncthing's lib/syncthing.App builds around
// suture/v4: a root Supervisor that owns one long-lived Service per
// concern and restarts it on failure.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
	"golang.org/x/time/rate"

	"github.com/pombredanne/paf/internal/domain"
	"github.com/pombredanne/paf/internal/filter"
	"github.com/pombredanne/paf/internal/logger"
	"github.com/pombredanne/paf/internal/metrics"
	"github.com/pombredanne/paf/internal/resource"
	"github.com/pombredanne/paf/internal/session"
	"github.com/pombredanne/paf/internal/svcutil"
	"github.com/pombredanne/paf/internal/transport"
)

const metricsSampleInterval = 10 * time.Second

var l = logger.DefaultLogger.NewFacility("server", "domain and listener supervision")

// DomainConfig describes one domain's listen addresses and admission
// limits, the per-domain unit spec §9's "operator interface" configures.
type DomainConfig struct {
	Name             string
	Listen           []string
	TLS              *tls.Config
	Limits           resource.Limits
	MaxFilterNodes   int
	ConnRatePerUser  rate.Limit
	ConnBurstPerUser int
	FilterCacheSize  int
}

// Server is the top-level supervisor: one suture.Supervisor owning one
// domain-running Service plus one listener Service per configured
// address, for every configured domain.
type Server struct {
	sup     *suture.Supervisor
	domains map[string]*domain.Domain

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
}

// New creates an empty Server. Call AddDomain for each domain, then Serve.
func New() *Server {
	spec := svcutil.SpecWithInfoLogger(l)
	sup := suture.New("pathfinder", spec)
	srv := &Server{
		sup:      sup,
		domains:  make(map[string]*domain.Domain),
		sessions: make(map[*session.Session]struct{}),
	}
	svcutil.OnSupervisorDone(sup, func() {
		l.Debugln("supervisor tree torn down")
	})
	return srv
}

// AddDomain registers a domain and its listeners with the supervisor.
// Must be called before Serve.
func (s *Server) AddDomain(cfg DomainConfig) (*domain.Domain, error) {
	if _, exists := s.domains[cfg.Name]; exists {
		return nil, fmt.Errorf("server: domain %q already added", cfg.Name)
	}
	if cfg.FilterCacheSize == 0 {
		cfg.FilterCacheSize = 1024
	}
	if cfg.ConnBurstPerUser <= 0 {
		// A zero burst rejects every Wait(1) outright regardless of rate,
		// since rate.Limiter requires burst >= n for any admission.
		cfg.ConnBurstPerUser = 1
	}

	accountant := resource.New(cfg.Limits, cfg.ConnRatePerUser, cfg.ConnBurstPerUser)
	fc := filter.NewCache(cfg.FilterCacheSize)
	dom := domain.New(cfg.Name, accountant, fc, cfg.MaxFilterNodes)
	s.domains[cfg.Name] = dom

	s.sup.Add(svcutil.AsService(dom.Run, "domain:"+cfg.Name))
	s.sup.Add(svcutil.AsService(sampleMetrics(cfg.Name, dom), "metrics:"+cfg.Name))

	for _, addr := range cfg.Listen {
		ln := &listenerService{
			addr:   addr,
			tlsCfg: cfg.TLS,
			dom:    dom,
			srv:    s,
		}
		s.sup.Add(ln)
	}

	return dom, nil
}

// Domain returns the named domain, registered by a prior AddDomain call.
func (s *Server) Domain(name string) (*domain.Domain, bool) {
	d, ok := s.domains[name]
	return d, ok
}

// Serve runs every domain and listener until ctx is cancelled and the
// supervisor has stopped them, then closes every session that is still
// open before returning. Closing a session does not flush responses
// still queued for it, and Serve does not wait for its teardown.
func (s *Server) Serve(ctx context.Context) error {
	errCh := s.sup.ServeBackground(ctx)
	err := <-errCh
	s.drainSessions()
	return err
}

func (s *Server) trackSession(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

func (s *Server) untrackSession(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// drainSessions closes every still-open session so a server shutdown
// orphans their services the same way any other disconnect would (spec
// §4.3: "server shutdown" is a listed session-close cause).
func (s *Server) drainSessions() {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(nil)
	}
}

// sampleMetrics returns a service-shaped closure that pushes dom's
// counters into the metrics package on a fixed interval.
func sampleMetrics(name string, dom *domain.Domain) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(metricsSampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				metrics.Sample(name, dom)
			}
		}
	}
}

// listenerService accepts connections for one address and spins up a
// Session per connection, restarted by the supervisor on Accept failure
// the way lib/connections/tcp_listen.go's tcpListener is.
type listenerService struct {
	addr   string
	tlsCfg *tls.Config
	dom    *domain.Domain
	srv    *Server
}

func (ls *listenerService) Serve(ctx context.Context) error {
	ln, err := transport.Listen(ls.addr, ls.tlsCfg)
	if err != nil {
		return err
	}
	defer ln.Close()

	l.Infof("domain %s: listening on %s", ls.dom.Name(), ls.addr)
	defer l.Infof("domain %s: listener %s shutting down", ls.dom.Name(), ls.addr)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := ls.dom.AdmitConnection(ctx, conn.RemoteUser()); err != nil {
			conn.Close()
			continue
		}

		sess := session.New(conn, ls.dom)
		ls.srv.trackSession(sess)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ls.srv.untrackSession(sess)
			sess.Run(ctx)
		}()
	}
}
