package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/actions"
	"github.com/sells-group/docintel/internal/ai"
	"github.com/sells-group/docintel/internal/dispatch"
	"github.com/sells-group/docintel/internal/ocr"
	"github.com/sells-group/docintel/internal/pipeline"
	"github.com/sells-group/docintel/internal/reconcile"
	"github.com/sells-group/docintel/internal/resilience"
	"github.com/sells-group/docintel/internal/risk"
	"github.com/sells-group/docintel/internal/stage"
	"github.com/sells-group/docintel/internal/store"
	"github.com/sells-group/docintel/internal/taxonomy"
	anthropicpkg "github.com/sells-group/docintel/pkg/anthropic"
)

// services are the store-backed domain services every command can use
// without AI credentials.
type services struct {
	Store      store.Store
	DLQ        resilience.DeadLetterStore
	Reconciler *reconcile.Engine
	Actions    *actions.Generator
	Risk       *risk.Service
}

// Close releases the store.
func (s *services) Close() {
	if s.Store != nil {
		_ = s.Store.Close()
	}
}

func initServices(ctx context.Context, proposer ai.ActionProposer) (*services, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	var dlq resilience.DeadLetterStore = resilience.NewDurableDLQ(st)
	if cfg.DLQ.Backend == "memory" {
		dlq = resilience.NewMemoryDLQ()
	}

	return &services{
		Store:      st,
		DLQ:        dlq,
		Reconciler: reconcile.New(st, cfg.Pipeline.AutoApplyThreshold),
		Actions:    actions.NewGenerator(st, proposer),
		Risk:       risk.NewService(st, risk.NewScorer(risk.WeightsFromConfig(cfg.Risk))),
	}, nil
}

// pipelineEnv adds the AI collaborators, stage handlers and dispatcher.
type pipelineEnv struct {
	*services
	Dispatcher *dispatch.Dispatcher
	Breakers   *resilience.Breakers
}

// initPipeline builds everything the serve and process commands need.
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pack, err := taxonomy.Load(cfg.Taxonomy.Path)
	if err != nil {
		return nil, err
	}
	extractor, err := ocr.NewExtractor(cfg.OCR)
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewBreakers(resilience.FromCircuitConfig(cfg.Circuit))
	claude := ai.NewClaude(anthropicpkg.NewClient(cfg.Anthropic.Key), cfg.Anthropic, breakers)

	var proposer ai.ActionProposer
	if cfg.Pipeline.AIActions {
		proposer = claude
	}
	svc, err := initServices(ctx, proposer)
	if err != nil {
		return nil, err
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Store:       svc.Store,
		Extractor:   extractor,
		Classifier:  claude,
		Fields:      claude,
		Taxonomy:    pack,
		DefaultArea: cfg.Taxonomy.DefaultPracticeArea,
		Reconciler:  svc.Reconciler,
		Actions:     svc.Actions,
		Risk:        svc.Risk,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}

	concurrency := make(map[stage.ID]int)
	for _, s := range stage.All() {
		concurrency[s] = cfg.Pipeline.StageConcurrency(string(s))
	}
	d, err := dispatch.New(svc.Store, svc.DLQ, pipe.Handlers(), dispatch.Options{
		Concurrency: concurrency,
		QueueSize:   cfg.Pipeline.QueueSize,
		Retry:       resilience.FromRetryConfig(cfg.Retry, cfg.Pipeline.StageTimeoutSecs),
	})
	if err != nil {
		svc.Close()
		return nil, eris.Wrap(err, "init dispatcher")
	}

	zap.L().Debug("pipeline initialized",
		zap.Strings("practice_areas", pack.Keys()),
		zap.String("dlq_backend", cfg.DLQ.Backend),
		zap.Bool("ai_actions", cfg.Pipeline.AIActions),
	)
	return &pipelineEnv{services: svc, Dispatcher: d, Breakers: breakers}, nil
}
