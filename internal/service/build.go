package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gofetch/internal/config"
	"github.com/3leaps/gofetch/pkg/admission"
	"github.com/3leaps/gofetch/pkg/artifact"
	"github.com/3leaps/gofetch/pkg/engine"
	"github.com/3leaps/gofetch/pkg/jobregistry"
	"github.com/3leaps/gofetch/pkg/preset"
	"github.com/3leaps/gofetch/pkg/progress"
	"github.com/3leaps/gofetch/pkg/runner"
	"github.com/3leaps/gofetch/pkg/urlmatch"
)

// FromConfig builds a production service: yt-dlp engine, on-disk
// scratch store and, when a bucket is configured, the S3 archiver.
func FromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Service, error) {
	matcher, err := urlmatch.New(urlmatch.Config{
		Includes: cfg.Allow.Includes,
		Excludes: cfg.Allow.Excludes,
	})
	if err != nil {
		return nil, fmt.Errorf("allowlist: %w", err)
	}

	presets, err := preset.NewRegistry(cfg.Presets.Path)
	if err != nil {
		return nil, fmt.Errorf("presets: %w", err)
	}

	store := artifact.NewStore(cfg.Jobs.ScratchDir)
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("scratch store: %w", err)
	}

	var archiver *artifact.Archiver
	if cfg.Archive.Bucket != "" {
		archiver, err = artifact.NewArchiver(ctx, artifact.ArchiveConfig{
			Bucket:         cfg.Archive.Bucket,
			Prefix:         cfg.Archive.Prefix,
			Region:         cfg.Archive.Region,
			Endpoint:       cfg.Archive.Endpoint,
			Profile:        cfg.Archive.Profile,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("archiver: %w", err)
		}
	}

	eng := engine.NewYTDLP(engine.YTDLPConfig{
		ExecutablePath:   cfg.Engine.YTDLPPath,
		ProgressInterval: cfg.Engine.ProgressInterval,
	})

	adm := admission.New(admission.Config{
		MaxStartsPerWindow:    cfg.Limits.MaxStartsPerWindow,
		Window:                cfg.Limits.Window,
		MaxConcurrentPerOwner: cfg.Limits.MaxConcurrentPerOwner,
	})

	return New(Params{
		Engine:    eng,
		Registry:  jobregistry.New(cfg.Jobs.Retention),
		Admission: adm,
		Broker:    progress.NewBroker(),
		Store:     store,
		Matcher:   matcher,
		Presets:   presets,
		Archiver:  archiver,
		Logger:    logger,
	}, Config{
		Runner: runner.Config{
			Workers:     cfg.Jobs.MaxConcurrent,
			QueueDepth:  cfg.Jobs.QueueDepth,
			MaxDuration: cfg.Jobs.MaxDuration,
			StartRate:   cfg.Jobs.StartRate,
		},
		Retention:       cfg.Jobs.Retention,
		SweepInterval:   cfg.Jobs.SweepInterval,
		SingleRetrieval: cfg.Jobs.SingleRetrieval,
	})
}
