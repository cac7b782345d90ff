package cmd

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/shono-io/pipex/exec"
	"github.com/shono-io/pipex/gate"
	"github.com/shono-io/pipex/metrics"
	"github.com/shono-io/pipex/orchestrator"
	"github.com/shono-io/pipex/pkg"
	"github.com/shono-io/pipex/report"
	"github.com/shono-io/pipex/repo"
	"github.com/shono-io/pipex/sdk"
	"github.com/shono-io/pipex/secrets"
)

// service is everything a command needs to run pipelines.
type service struct {
	cfg     pkg.Config
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics
	nc      *nats.Conn
	docker  *exec.DockerRunner
	enc     secrets.Encryptor
}

func newService() (*service, error) {
	cfg, err := pkg.LoadConfig(viper.GetViper())
	if err != nil {
		return nil, sdk.NewConfigError("invalid configuration", err)
	}

	enc := secrets.NewSops(secrets.Config{
		Enabled:       cfg.Encryption.Enabled,
		FailOnMissing: cfg.Encryption.FailOnMissing,
		Timeout:       cfg.Encryption.Timeout,
	})

	svc := &service{
		cfg:     cfg,
		metrics: metrics.New(),
		enc:     enc,
	}

	mux := exec.NewMux().Handle(exec.NewProcessRunner(exec.ProcessConfig{
		Profile:         cfg.Profiling.Enabled,
		ProfileInterval: cfg.Profiling.Interval,
		Shell:           cfg.Subprocess.Shell,
	}), sdk.KindModule, sdk.KindReport)

	if svc.docker, err = exec.NewDockerRunner(cfg.Docker); err != nil {
		log.Warn().Err(err).Msg("docker stages are unavailable")
	} else {
		mux.Handle(svc.docker, sdk.KindDocker)
	}

	var js jetstream.JetStream
	var publishers report.MultiPublisher
	repos := orchestrator.FileRepositories(enc)

	if cfg.NatsEnabled() {
		if svc.nc, err = cfg.Connect(); err != nil {
			svc.Close()
			return nil, fmt.Errorf("unable to connect to nats: %w", err)
		}

		if js, err = jetstream.New(svc.nc); err != nil {
			svc.Close()
			return nil, fmt.Errorf("unable to connect to jetstream: %w", err)
		}

		if cfg.Nats.KeyValueBucket != "" {
			repos = svc.mirroredRepositories
		}
		if cfg.Nats.ReportSubject != "" {
			publishers = append(publishers, report.NewNatsPublisher(svc.nc, cfg.Nats.ReportSubject))
		}
	}

	if cfg.Report.File != "" {
		publishers = append(publishers, report.FilePublisher{Path: cfg.Report.File})
	}

	deps := orchestrator.Deps{
		Gate:      gate.New(cfg.Gate(), gate.WithObserver(svc.metrics), gate.WithLogger(log.Logger)),
		Runner:    mux,
		Repos:     repos,
		Encryptor: enc,
		Loader:    pkg.NewLoader(pkg.NewSources(js), cfg.GlobalConfigsPrefix),
		Metrics:   svc.metrics,
		Config:    cfg,
	}
	if len(publishers) > 0 {
		deps.Publisher = publishers
	}

	svc.orch = orchestrator.New(deps)
	return svc, nil
}

// mirroredRepositories keeps the state on disk and mirrors it into the
// configured key value bucket.
func (s *service) mirroredRepositories(ctx context.Context, e *sdk.PipelineExecution) (repo.Repository, error) {
	nr, err := repo.NewNatsRepository(s.nc, repo.Config{
		KeyValueBucket: s.cfg.Nats.KeyValueBucket,
		Prefix:         s.cfg.Nats.Prefix,
	}, e.Pipeline.ID)
	if err != nil {
		return nil, err
	}
	return repo.NewMulti(repo.NewFileRepository(e.Dir, repo.WithEncryptor(s.enc)), nr), nil
}

// Close releases the connections and writes the metrics file when one is
// configured.
func (s *service) Close() {
	if s.cfg.MetricsFile != "" {
		if err := s.metrics.WriteTextfile(s.cfg.MetricsFile); err != nil {
			log.Warn().Err(err).Msg("unable to write metrics")
		}
	}

	if s.docker != nil {
		if err := s.docker.Close(); err != nil {
			log.Warn().Err(err).Msg("unable to close docker client")
		}
	}

	if s.nc != nil {
		s.nc.Close()
	}
}
