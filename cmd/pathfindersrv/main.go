// Command pathfindersrv runs a pathfinder server: one or more domains,
// each with its own listeners and resource limits, as described by its
// configuration file.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/time/rate"

	"github.com/pombredanne/paf/internal/config"
	"github.com/pombredanne/paf/internal/logger"
	"github.com/pombredanne/paf/internal/metrics"
	"github.com/pombredanne/paf/internal/server"
	"github.com/pombredanne/paf/internal/svcutil"
	"github.com/pombredanne/paf/internal/tlsutil"
)

var l = logger.DefaultLogger.NewFacility("main", "process startup and shutdown")

type cli struct {
	Config      string `help:"Configuration file" default:"pathfinder.json" env:"PATHFINDER_CONFIG"`
	MetricsAddr string `help:"Prometheus /metrics listen address, empty to disable" default:":9469" env:"PATHFINDER_METRICS_ADDRESS"`

	GenCert           bool   `help:"Generate a self-signed TLS keypair instead of serving, then exit" env:"PATHFINDER_GEN_CERT"`
	GenCertFile       string `help:"Certificate output path for --gen-cert" default:"cert.pem"`
	GenCertKeyFile    string `help:"Key output path for --gen-cert" default:"key.pem"`
	GenCertCommonName string `help:"Certificate common name for --gen-cert" default:"pathfinder"`
}

func main() {
	var params cli
	kong.Parse(&params)

	if params.GenCert {
		if _, err := tlsutil.NewCertificate(params.GenCertFile, params.GenCertKeyFile, params.GenCertCommonName); err != nil {
			l.Warnln("gen-cert:", err)
			os.Exit(svcutil.ExitError.AsInt())
		}
		fmt.Printf("wrote %s and %s\n", params.GenCertFile, params.GenCertKeyFile)
		return
	}

	os.Exit(run(&params).AsInt())
}

func run(params *cli) svcutil.ExitStatus {
	cfg, err := config.Load(params.Config)
	if err != nil {
		l.Warnln("startup:", err)
		return svcutil.ExitConfig
	}

	srv := server.New()
	for _, dc := range cfg.Domains {
		limits, err := dc.Limits.ToResourceLimits()
		if err != nil {
			l.Warnln("startup:", err)
			return svcutil.ExitConfig
		}

		domainCfg := server.DomainConfig{
			Name:             dc.Name,
			Listen:           dc.Listen,
			Limits:           limits,
			MaxFilterNodes:   dc.MaxFilterNodes,
			ConnBurstPerUser: dc.ConnBurstPerUser,
		}
		if dc.ConnRatePerUser > 0 {
			domainCfg.ConnRatePerUser = connRateLimit(dc.ConnRatePerUser)
		} else {
			// 0 (the zero value when the operator omits the field, or an
			// explicit non-positive setting) means unlimited, not "rate
			// zero" — a rate.Limiter with rate 0 admits only its initial
			// burst and then never refills.
			domainCfg.ConnRatePerUser = rate.Inf
		}
		if dc.TLS != nil {
			tlsCfg, err := loadTLS(dc.TLS)
			if err != nil {
				l.Warnln("startup:", err)
				return svcutil.ExitConfig
			}
			domainCfg.TLS = tlsCfg
		}

		if _, err := srv.AddDomain(domainCfg); err != nil {
			l.Warnln("startup:", err)
			return svcutil.ExitConfig
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		l.Infoln("received shutdown signal")
		cancel()
	}()

	var metricsSrv *http.Server
	if params.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: params.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				l.Warnln("metrics server:", err)
			}
		}()
		defer metricsSrv.Close()
	}

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		l.Warnln("server:", err)
		return svcutil.AsFatalErr(err, svcutil.ExitError).Status
	}
	return svcutil.ExitSuccess
}

func connRateLimit(perSecond float64) rate.Limit {
	return rate.Limit(perSecond)
}

func loadTLS(cfg *config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS keypair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
