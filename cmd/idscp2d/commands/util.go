package commands

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/idscp2go/idscp2go/internal/logger"
	"github.com/idscp2go/idscp2go/internal/telemetry"
	"github.com/idscp2go/idscp2go/pkg/config"
	"github.com/idscp2go/idscp2go/pkg/dat"
	"github.com/idscp2go/idscp2go/pkg/evidence"
	"github.com/idscp2go/idscp2go/pkg/fsm"
	"github.com/idscp2go/idscp2go/pkg/metrics"
	"github.com/idscp2go/idscp2go/pkg/ra"
	"github.com/idscp2go/idscp2go/pkg/server"
)

// runtime bundles everything a serve/connect command needs after the
// configuration has been realized.
type runtime struct {
	cfg      *config.Config
	tlsCfg   *tls.Config
	opts     server.Options
	metrics  metrics.Metrics
	shutdown []func(context.Context) error
}

func (r *runtime) close(ctx context.Context) {
	for i := len(r.shutdown) - 1; i >= 0; i-- {
		if err := r.shutdown[i](ctx); err != nil {
			logger.Warn("shutdown step failed", "error", err)
		}
	}
}

// buildRuntime loads the configuration and constructs the shared
// collaborators: logger, telemetry, metrics, TLS identity, DAT provider,
// RA registry, and the optional evidence archive.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	r := &runtime{cfg: cfg}

	if cfg.Telemetry.Enabled {
		telemetryCfg := telemetry.DefaultConfig()
		telemetryCfg.Enabled = true
		telemetryCfg.Endpoint = cfg.Telemetry.Endpoint
		telemetryCfg.SampleRate = cfg.Telemetry.SampleRate
		telemetryCfg.ServiceVersion = Version
		shutdown, err := telemetry.Init(ctx, telemetryCfg)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
		r.shutdown = append(r.shutdown, shutdown)
	}

	if cfg.Metrics.Enabled {
		r.metrics = metrics.NewPrometheus(nil)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics listener failed", "error", err)
			}
		}()
		r.shutdown = append(r.shutdown, srv.Shutdown)
	}

	tlsCfg, leaf, key, err := buildTLS(cfg)
	if err != nil {
		return nil, err
	}
	r.tlsCfg = tlsCfg

	connectorUUID := cfg.Daps.ConnectorUUIDOverride
	if connectorUUID == "" {
		connectorUUID = dat.ConnectorUUID(leaf)
	}

	level, err := cfg.SecurityLevel()
	if err != nil {
		return nil, err
	}
	provider := dat.NewProvider(dat.Config{
		DapsURL:               cfg.Daps.URL,
		ConnectorUUID:         connectorUUID,
		SigningKey:            key,
		RenewalThreshold:      cfg.Daps.TokenRenewalThreshold,
		RequiredSecurityLevel: level,
		Metrics:               r.metrics,
	})

	registry := ra.NewRegistry()
	ra.RegisterDummy(registry)

	r.opts = server.Options{
		FsmConfig:   cfg.FSM(),
		DatProvider: provider,
		Registry:    registry,
	}
	if r.metrics != nil {
		r.opts.FsmConfig.StateObserver = metricsStateObserver{r.metrics}
	}

	archive, err := buildArchive(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r.opts.ObserverFactory = func(connectionID string) fsm.RaObserver {
		return &sessionObserver{
			evidence: evidence.NewObserver(connectionID, archive),
			metrics:  r.metrics,
		}
	}

	return r, nil
}

// sessionObserver fans one session's terminal RA results out to the
// evidence archive and, when enabled, the metrics collector.
type sessionObserver struct {
	evidence *evidence.Observer
	metrics  metrics.Metrics
}

func (o *sessionObserver) OnRaRoundCompleted(role, suite string, ok bool, cause string) {
	o.evidence.OnRaRoundCompleted(role, suite, ok, cause)
	if o.metrics != nil {
		o.metrics.RecordRaRound(role, suite, ok)
	}
}

// metricsStateObserver drives the connection-state gauge from the FSM's
// state-change path.
type metricsStateObserver struct {
	metrics metrics.Metrics
}

func (o metricsStateObserver) OnStateChanged(connectionID, state string) {
	o.metrics.SetConnectionState(connectionID, state)
}

// buildTLS loads the local keypair and trust anchors into a TLS 1.3
// mutual-authentication configuration, returning the leaf certificate and
// RSA key for DAT signing alongside.
func buildTLS(cfg *config.Config) (*tls.Config, *x509.Certificate, *rsa.PrivateKey, error) {
	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
		return nil, nil, nil, fmt.Errorf("tls: cert_file and key_file must be configured")
	}

	keyPair, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("tls: load keypair: %w", err)
	}
	leaf, err := x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("tls: parse leaf certificate: %w", err)
	}
	rsaKey, ok := keyPair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, nil, fmt.Errorf("tls: private key must be RSA for DAT client assertions, got %T", keyPair.PrivateKey)
	}

	pool := x509.NewCertPool()
	if cfg.TLS.CAFile != "" {
		pem, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("tls: read ca file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, nil, fmt.Errorf("tls: no certificates parsed from %s", cfg.TLS.CAFile)
		}
	}

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{keyPair},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		RootCAs:      pool,
	}
	if !cfg.TLS.HostnameVerificationEnabled {
		// Chain verification still happens via VerifyPeerCertificate; only
		// the hostname match is skipped.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("tls: peer presented no certificate")
			}
			cert, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("tls: parse peer certificate: %w", err)
			}
			_, err = cert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}})
			return err
		}
	}
	return tlsCfg, leaf, rsaKey, nil
}

// buildArchive realizes the configured evidence backend.
func buildArchive(ctx context.Context, cfg *config.Config) (evidence.Archive, error) {
	switch cfg.Evidence.Backend {
	case "", "none":
		return evidence.Noop{}, nil
	case "local":
		return evidence.NewLocal(cfg.Evidence.LocalPath)
	case "s3":
		return evidence.NewS3(ctx, evidence.S3Config{
			Bucket: cfg.Evidence.S3Bucket,
			Region: cfg.Evidence.S3Region,
			Prefix: "evidence/",
		})
	default:
		return nil, fmt.Errorf("evidence: unknown backend %q", cfg.Evidence.Backend)
	}
}
