// Package app assembles the pipeline's collaborators from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	cache "github.com/nsai-detect/backend/internal/cache/redis"
	"github.com/nsai-detect/backend/internal/detector"
	"github.com/nsai-detect/backend/internal/kg/builder"
	"github.com/nsai-detect/backend/internal/kg/neo4j"
	"github.com/nsai-detect/backend/internal/pipeline"
	"github.com/nsai-detect/backend/internal/storage/sqlite"
	"github.com/nsai-detect/backend/internal/symbolic"
	"github.com/nsai-detect/backend/pkg/config"
	"github.com/nsai-detect/backend/pkg/logger"
)

type Services struct {
	Config      *config.Config
	Store       *sqlite.Client
	Redis       *cache.Client
	Graph       *neo4j.Client
	Rules       symbolic.RuleEngine
	Detector    *detector.HTTPClient
	Coordinator *pipeline.Coordinator
}

// New opens the job store and the optional redis and neo4j backends, then
// builds the coordinator. Redis and neo4j failures are logged and the
// service continues without them.
func New(ctx context.Context, cfg *config.Config) (*Services, error) {
	s := &Services{Config: cfg}

	store, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.Store = store

	if cfg.Redis.Enabled {
		rc, err := cache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without cache", zap.Error(err))
		} else {
			s.Redis = rc.WithTTLs(
				time.Duration(cfg.Redis.ProgressTTL)*time.Second,
				time.Duration(cfg.Redis.RulesTTL)*time.Second,
			)
		}
	}

	if cfg.Neo4j.Enabled {
		gc, err := neo4j.NewClient(cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			logger.Warn("Neo4j unavailable, graph rule sources disabled", zap.Error(err))
		} else {
			s.Graph = gc
		}
	}

	s.Rules = s.ruleEngine()

	det, err := detector.NewHTTPClient(detector.HTTPConfig{
		URL:        cfg.Detector.URL,
		Timeout:    time.Duration(cfg.Detector.TimeoutSec) * time.Second,
		MaxRetries: cfg.Detector.MaxRetries,
	})
	if err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("failed to create detector client: %w", err)
	}
	s.Detector = det

	opts := pipeline.Options{TileConcurrency: cfg.Pipeline.TileConcurrency}
	if s.Redis != nil {
		opts.Publisher = s.Redis
	}
	s.Coordinator = pipeline.NewCoordinator(store, det, symbolic.NewRefiner(s.Rules), opts)

	return s, nil
}

// ruleEngine reads files by default and the graph for neo4j:// sources,
// behind the redis rule cache when one is configured.
func (s *Services) ruleEngine() symbolic.RuleEngine {
	router := symbolic.NewRouter(symbolic.NewFileEngine())
	if s.Graph != nil {
		router.Register(neo4j.Scheme, s.Graph)
	}

	var engine symbolic.RuleEngine = router
	if s.Redis != nil {
		engine = symbolic.NewCachedEngine(router, s.Redis)
	}
	return engine
}

// RuleBuilder imports rule files into the graph. It returns nil when neo4j
// is not configured.
func (s *Services) RuleBuilder() *builder.Builder {
	if s.Graph == nil {
		return nil
	}
	b := builder.NewBuilder(s.Graph, symbolic.NewFileEngine())
	if s.Redis != nil {
		b.WithInvalidator(s.Redis)
	}
	return b
}

func (s *Services) Close(ctx context.Context) {
	if s.Graph != nil {
		if err := s.Graph.Close(ctx); err != nil {
			logger.Warn("Failed to close neo4j", zap.Error(err))
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			logger.Warn("Failed to close job store", zap.Error(err))
		}
	}
}
