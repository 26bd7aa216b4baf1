package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/document-classifier/internal/config"
	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/knowledge"
	"github.com/kirillkom/document-classifier/internal/core/ports"
	"github.com/kirillkom/document-classifier/internal/core/usecase"
	"github.com/kirillkom/document-classifier/internal/infrastructure/extractor"
	"github.com/kirillkom/document-classifier/internal/infrastructure/intakedir"
	"github.com/kirillkom/document-classifier/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/document-classifier/internal/infrastructure/llm/openai"
	"github.com/kirillkom/document-classifier/internal/infrastructure/notify"
	"github.com/kirillkom/document-classifier/internal/infrastructure/packager/zipbundle"
	natsqueue "github.com/kirillkom/document-classifier/internal/infrastructure/queue/nats"
	"github.com/kirillkom/document-classifier/internal/infrastructure/repository/memory"
	"github.com/kirillkom/document-classifier/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/document-classifier/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/document-classifier/internal/infrastructure/resilience"
	"github.com/kirillkom/document-classifier/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/document-classifier/internal/observability/metrics"
)

// App holds what both binaries and the operator CLI share: the knowledge repository, the
// workspace folders, the intake trigger and the read/submit use cases.
type App struct {
	Config config.Config

	Repo       ports.KnowledgeRepository
	Workspace  *localfs.Workspace
	Queue      ports.MessageQueue
	Notifier   ports.Notifier
	Resilience *resilience.Executor

	SubmitUC *usecase.SubmissionService
	QueryUC  *usecase.QueryService

	closers []func()
}

// Worker adds the processing side on top of App.
type Worker struct {
	*App

	Knowledge  *knowledge.Store
	Metrics    *metrics.PipelineMetrics
	Intake     *usecase.IntakeQueue
	Dispatcher *usecase.IntakeDispatcher
	Feedback   *usecase.FeedbackCycle
	Reanalysis *usecase.ReanalysisPass
	Watcher    *intakedir.Watcher
}

func New(ctx context.Context, cfg config.Config) (*App, error) {
	app := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	app.Resilience = resilience.NewExecutor(resilienceConfig(cfg))

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.Repo = repo
	app.closers = append(app.closers, closeRepo)

	workspace, err := localfs.NewWorkspace(cfg.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}
	app.Workspace = workspace

	intakeStorage, err := localfs.New(workspace.Dir(localfs.IntakeDir))
	if err != nil {
		return nil, fmt.Errorf("init intake storage: %w", err)
	}
	feedbackStorage, err := localfs.New(cfg.FeedbackPath)
	if err != nil {
		return nil, fmt.Errorf("init feedback storage: %w", err)
	}

	logNotifier := notify.Log{Logger: slog.Default()}
	app.Notifier = logNotifier
	if cfg.NATSEnabled {
		queue, err := natsqueue.NewWithOptions(cfg.NATSURL, cfg.NATSSubject, natsqueue.Options{
			QueueGroup:         cfg.NATSQueueGroup,
			ResilienceExecutor: app.Resilience,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.Queue = queue
		app.Notifier = notify.Fanout{logNotifier, natsqueue.NewNotifier(queue.Conn(), cfg.NATSEventPrefix, app.Resilience)}
		app.closers = append(app.closers, queue.Close)
	}

	app.SubmitUC = usecase.NewSubmissionService(intakeStorage, feedbackStorage, app.Queue, cfg.MaxUploadBytes)
	app.QueryUC = usecase.NewQueryService(repo, workspace)

	ok = true
	return app, nil
}

func NewWorker(ctx context.Context, cfg config.Config) (*Worker, error) {
	app, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	w := &Worker{App: app}
	ok := false
	defer func() {
		if !ok {
			app.Close()
		}
	}()

	textExtractor := extractor.New(cfg.MaxExtractBytes)
	references, err := localfs.NewReferenceLibrary(cfg.ReferencePath)
	if err != nil {
		return nil, fmt.Errorf("init reference library: %w", err)
	}

	opts := knowledge.DefaultOptions()
	opts.AutoLearnConfidence = cfg.AutoLearnConfidence
	w.Knowledge = knowledge.New(app.Repo, references, textExtractor, opts)
	if err := w.Knowledge.Load(ctx); err != nil {
		return nil, fmt.Errorf("load knowledge: %w", err)
	}
	seeds, err := config.LoadTaxonomySeed(cfg.TaxonomySeedPath)
	if err != nil {
		return nil, err
	}
	if err := w.Knowledge.Provision(ctx, seeds); err != nil {
		return nil, fmt.Errorf("provision taxonomy seed: %w", err)
	}

	llm, err := newLLM(cfg, app.Resilience)
	if err != nil {
		return nil, err
	}
	validator := usecase.NewConfidenceValidator(llm, w.Knowledge, usecase.ValidatorConfig{
		Threshold:   cfg.ConfidenceThreshold,
		MaxRetries:  cfg.MaxRetries,
		CallTimeout: time.Duration(cfg.LLMTimeoutSeconds) * time.Second,
	})

	packager, err := zipbundle.New(cfg.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("init artifact packager: %w", err)
	}

	w.Metrics = metrics.NewPipelineMetrics("worker")
	w.Metrics.RegisterBreakerStates(app.Resilience.States)

	pipelineCfg := usecase.DefaultPipelineConfig()
	pipelineCfg.MinTextLength = cfg.MinTextLength
	pipelineCfg.MaxIntakeAttempts = cfg.MaxIntakeAttempts
	pipelineCfg.Weights = domain.BlendWeights{LLM: cfg.BlendLLM, Heuristic: cfg.BlendHeuristic, Knowledge: cfg.BlendKnowledge}
	pipeline := usecase.NewProcessingPipeline(textExtractor, validator, w.Knowledge, packager, app.Workspace, app.Notifier, w.Metrics, pipelineCfg)

	w.Intake = usecase.NewIntakeQueue(pipeline, cfg.ProcessingWorkers, w.Metrics)
	w.Dispatcher = usecase.NewIntakeDispatcher(app.Workspace, w.Intake)

	inbox, err := localfs.NewFeedbackInbox(cfg.FeedbackPath)
	if err != nil {
		return nil, fmt.Errorf("init feedback inbox: %w", err)
	}
	feedbackPolicy := usecase.DefaultFeedbackPolicy()
	feedbackPolicy.Weights = pipelineCfg.Weights
	reconciler := usecase.NewFeedbackReconciler(w.Knowledge, feedbackPolicy)
	w.Feedback = usecase.NewFeedbackCycle(inbox, reconciler, app.Notifier, w.Metrics)
	w.Reanalysis = usecase.NewReanalysisPass(w.Knowledge, app.Workspace, app.Notifier)

	w.Watcher, err = intakedir.New(app.Workspace.Dir(localfs.IntakeDir), time.Duration(cfg.IntakeSettleMillis)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("init intake watcher: %w", err)
	}

	ok = true
	return w, nil
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openRepository(ctx context.Context, cfg config.Config) (ports.KnowledgeRepository, func(), error) {
	switch cfg.KnowledgeBackend {
	case "postgres", "":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		repo := postgres.NewKnowledgeRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, func() { _ = db.Close() }, nil
	case "sqlite":
		repo, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := repo.EnsureSchema(ctx); err != nil {
			_ = repo.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, func() { _ = repo.Close() }, nil
	case "memory":
		slog.Warn("knowledge_backend_in_memory", "detail", "knowledge is lost on restart")
		return memory.NewRepository(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown knowledge backend %q", cfg.KnowledgeBackend)
	}
}

func newLLM(cfg config.Config, executor *resilience.Executor) (ports.LLMClassifier, error) {
	switch cfg.LLMProvider {
	case "ollama", "":
		return ollama.NewClassifier(ollama.New(cfg.OllamaURL, cfg.OllamaModel, executor)), nil
	case "openai":
		classifier, err := openai.NewClassifier(openai.Config{
			APIKey:            cfg.OpenAIAPIKey,
			BaseURL:           cfg.OpenAIBaseURL,
			Model:             cfg.OpenAIModel,
			AzureEndpoint:     cfg.OpenAIAzureEndpoint,
			Temperature:       float32(cfg.LLMTemperature),
			RequestsPerMinute: cfg.LLMRequestsPerMinute,
		}, executor)
		if err != nil {
			return nil, fmt.Errorf("init openai classifier: %w", err)
		}
		return classifier, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLMProvider)
	}
}

func resilienceConfig(cfg config.Config) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.RetryMaxAttempts = cfg.RetryMaxAttempts
	rc.RetryInitialBackoff = time.Duration(cfg.RetryInitialBackoffMS) * time.Millisecond
	rc.RetryMaxBackoff = time.Duration(cfg.RetryMaxBackoffMS) * time.Millisecond
	rc.BreakerEnabled = cfg.BreakerEnabled
	return rc
}
