package cli

import (
	"context"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memaudit/pkg/adapter"
	"github.com/m-mizutani/memaudit/pkg/interfaces"
	"github.com/m-mizutani/memaudit/pkg/model"
	"github.com/m-mizutani/memaudit/pkg/repository"
	"github.com/m-mizutani/memaudit/pkg/scorer"
	"github.com/m-mizutani/memaudit/pkg/service/mcp"
	"github.com/m-mizutani/memaudit/pkg/service/memory"
	"github.com/m-mizutani/memaudit/pkg/usecase/challenge"
	"github.com/m-mizutani/memaudit/pkg/usecase/evaluate"
	"github.com/m-mizutani/memaudit/pkg/usecase/repair"
	"github.com/m-mizutani/memaudit/pkg/usecase/session"
	"github.com/m-mizutani/memaudit/pkg/utils/logging"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// pipelineConfig is the tunable part of the pipeline. It is read from the
// YAML file given by --config and overridden by explicitly set flags.
type pipelineConfig struct {
	NumQA                int     `yaml:"num_qa"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	PassRateThreshold    float64 `yaml:"pass_rate_threshold"`
	MaxGenerationRetries int     `yaml:"max_generation_retries"`
	SearchTopK           int     `yaml:"search_top_k"`
	SearchMethod         string  `yaml:"search_method"`
	Scorer               string  `yaml:"scorer"`
	ReuseQuestions       bool    `yaml:"reuse_questions"`
}

func defaultPipeline() pipelineConfig {
	return pipelineConfig{
		NumQA:                challenge.DefaultConfig().NumQA,
		SimilarityThreshold:  scorer.DefaultThreshold,
		PassRateThreshold:    evaluate.DefaultPassRateThreshold,
		MaxGenerationRetries: challenge.DefaultConfig().MaxRetries,
		SearchTopK:           memory.DefaultTopK,
		SearchMethod:         string(model.SearchVector),
		Scorer:               scorer.MethodLexical,
	}
}

// loadPipeline reads path over the defaults. An empty path yields the
// defaults.
func loadPipeline(path string) (*pipelineConfig, error) {
	cfg := defaultPipeline()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}
	if err := model.SearchMethod(cfg.SearchMethod).Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid search_method in config file", goerr.V("search_method", cfg.SearchMethod))
	}
	return &cfg, nil
}

// LoadPipelineForTest exposes loadPipeline to tests
func LoadPipelineForTest(path string) (map[string]any, error) {
	cfg, err := loadPipeline(path)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"num_qa":                 cfg.NumQA,
		"similarity_threshold":   cfg.SimilarityThreshold,
		"pass_rate_threshold":    cfg.PassRateThreshold,
		"max_generation_retries": cfg.MaxGenerationRetries,
		"search_top_k":           cfg.SearchTopK,
		"search_method":          cfg.SearchMethod,
		"scorer":                 cfg.Scorer,
		"reuse_questions":        cfg.ReuseQuestions,
	}, nil
}

// config holds configuration values
type config struct {
	logLevel   string
	configPath string

	// Pipeline overrides
	numQA               int64
	similarityThreshold float64
	passRateThreshold   float64
	searchTopK          int64
	searchMethod        string
	scorerMethod        string
	reuseQuestions      bool

	// LLM
	llm             string
	anthropicAPIKey string
	claudeModel     string
	geminiProject   string
	geminiLocation  string
	geminiModel     string
	embeddingModel  string

	// Memory
	memory            string
	chromemPath       string
	firestoreProject  string
	firestoreDatabase string
	mcpConfig         string

	// Artifacts and export
	outputDir       string
	bucket          string
	bigqueryProject string
	bigqueryDataset string
	bigqueryTable   string

	gemini *adapter.GeminiClient
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("MEMAUDIT_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to pipeline config YAML file",
			Sources:     cli.EnvVars("MEMAUDIT_CONFIG"),
			Destination: &cfg.configPath,
		},
	}
}

// pipelineFlags returns flags overriding the pipeline config file
func pipelineFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "num-qa",
			Usage:       "Number of QA pairs per session",
			Sources:     cli.EnvVars("MEMAUDIT_NUM_QA"),
			Destination: &cfg.numQA,
		},
		&cli.FloatFlag{
			Name:        "similarity-threshold",
			Usage:       "Minimum similarity of a matching answer (0-1)",
			Sources:     cli.EnvVars("MEMAUDIT_SIMILARITY_THRESHOLD"),
			Destination: &cfg.similarityThreshold,
		},
		&cli.FloatFlag{
			Name:        "pass-rate-threshold",
			Usage:       "Pass rate (percent) below which memory is reconstructed",
			Sources:     cli.EnvVars("MEMAUDIT_PASS_RATE_THRESHOLD"),
			Destination: &cfg.passRateThreshold,
		},
		&cli.IntFlag{
			Name:        "search-top-k",
			Usage:       "Number of memory records used to answer a question",
			Sources:     cli.EnvVars("MEMAUDIT_SEARCH_TOP_K"),
			Destination: &cfg.searchTopK,
		},
		&cli.StringFlag{
			Name:        "search-method",
			Usage:       "Memory search method (vector, keyword, hybrid)",
			Sources:     cli.EnvVars("MEMAUDIT_SEARCH_METHOD"),
			Destination: &cfg.searchMethod,
		},
		&cli.StringFlag{
			Name:        "scorer",
			Usage:       "Answer scoring method (lexical, embedding, judge)",
			Sources:     cli.EnvVars("MEMAUDIT_SCORER"),
			Destination: &cfg.scorerMethod,
		},
		&cli.BoolFlag{
			Name:        "reuse-questions",
			Usage:       "Ask the initial QA set again after reconstruction",
			Sources:     cli.EnvVars("MEMAUDIT_REUSE_QUESTIONS"),
			Destination: &cfg.reuseQuestions,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "Text generation backend (gemini, claude)",
			Value:       "gemini",
			Sources:     cli.EnvVars("MEMAUDIT_LLM"),
			Destination: &cfg.llm,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model",
			Sources:     cli.EnvVars("MEMAUDIT_CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini generative model",
			Sources:     cli.EnvVars("MEMAUDIT_GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "embedding-model",
			Usage:       "Gemini embedding model",
			Sources:     cli.EnvVars("MEMAUDIT_EMBEDDING_MODEL"),
			Destination: &cfg.embeddingModel,
		},
	}
}

// memoryFlags returns flags selecting the evaluated memory system
func memoryFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "memory",
			Usage:       "Memory system (chromem, firestore, mcp)",
			Value:       "chromem",
			Sources:     cli.EnvVars("MEMAUDIT_MEMORY"),
			Destination: &cfg.memory,
		},
		&cli.StringFlag{
			Name:        "chromem-path",
			Usage:       "Directory persisting the chromem database. In-memory when empty",
			Sources:     cli.EnvVars("MEMAUDIT_CHROMEM_PATH"),
			Destination: &cfg.chromemPath,
		},
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID of Firestore",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.firestoreProject,
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.firestoreDatabase,
		},
		&cli.StringFlag{
			Name:        "mcp-config",
			Usage:       "Path to YAML config of a remote MCP memory server",
			Sources:     cli.EnvVars("MEMAUDIT_MCP_CONFIG"),
			Destination: &cfg.mcpConfig,
		},
	}
}

// outputFlags returns flags for artifacts and result export
func outputFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "output-dir",
			Aliases:     []string{"o"},
			Usage:       "Local directory for session artifacts",
			Sources:     cli.EnvVars("MEMAUDIT_OUTPUT_DIR"),
			Destination: &cfg.outputDir,
		},
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for session artifacts",
			Sources:     cli.EnvVars("MEMAUDIT_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Google Cloud project ID of the BigQuery result table",
			Sources:     cli.EnvVars("MEMAUDIT_BIGQUERY_PROJECT"),
			Destination: &cfg.bigqueryProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset of the result table",
			Sources:     cli.EnvVars("MEMAUDIT_BIGQUERY_DATASET"),
			Destination: &cfg.bigqueryDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery result table",
			Value:       "session_results",
			Sources:     cli.EnvVars("MEMAUDIT_BIGQUERY_TABLE"),
			Destination: &cfg.bigqueryTable,
		},
	}
}

// setupLogger installs the logger of --log-level into ctx
func (cfg *config) setupLogger(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, os.Stderr)
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// pipeline loads the config file and applies explicitly set flags
func (cfg *config) pipeline(c *cli.Command) (*pipelineConfig, error) {
	p, err := loadPipeline(cfg.configPath)
	if err != nil {
		return nil, err
	}

	if c.IsSet("num-qa") {
		p.NumQA = int(cfg.numQA)
	}
	if c.IsSet("similarity-threshold") {
		p.SimilarityThreshold = cfg.similarityThreshold
	}
	if c.IsSet("pass-rate-threshold") {
		p.PassRateThreshold = cfg.passRateThreshold
	}
	if c.IsSet("search-top-k") {
		p.SearchTopK = int(cfg.searchTopK)
	}
	if c.IsSet("search-method") {
		if err := model.SearchMethod(cfg.searchMethod).Validate(); err != nil {
			return nil, goerr.Wrap(err, "invalid --search-method", goerr.V("search_method", cfg.searchMethod))
		}
		p.SearchMethod = cfg.searchMethod
	}
	if c.IsSet("scorer") {
		p.Scorer = cfg.scorerMethod
	}
	if c.IsSet("reuse-questions") {
		p.ReuseQuestions = cfg.reuseQuestions
	}
	return p, nil
}

// newGemini creates the Gemini adapter once
func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	if cfg.gemini != nil {
		return cfg.gemini, nil
	}
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}

	var opts []adapter.GeminiOption
	if cfg.geminiModel != "" {
		opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
	}
	if cfg.embeddingModel != "" {
		opts = append(opts, adapter.WithEmbeddingModel(cfg.embeddingModel))
	}

	gemini, err := adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create Gemini client")
	}
	cfg.gemini = gemini
	return gemini, nil
}

// newLLM creates the text generation backend selected by --llm
func (cfg *config) newLLM(ctx context.Context) (interfaces.LLMClient, error) {
	switch cfg.llm {
	case "", "gemini":
		return cfg.newGemini(ctx)
	case "claude":
		if cfg.anthropicAPIKey == "" {
			return nil, goerr.New("anthropic-api-key is required")
		}
		var opts []adapter.ClaudeOption
		if cfg.claudeModel != "" {
			opts = append(opts, adapter.WithClaudeModel(cfg.claudeModel))
		}
		return adapter.NewClaude(cfg.anthropicAPIKey, opts...), nil
	default:
		return nil, goerr.New("unsupported llm", goerr.V("llm", cfg.llm), goerr.V("supported", []string{"gemini", "claude"}))
	}
}

// newMemory creates the memory system selected by --memory. The returned
// closer releases its connections.
func (cfg *config) newMemory(ctx context.Context, llm interfaces.LLMClient, p *pipelineConfig) (interfaces.MemorySystem, io.Closer, error) {
	var repo repository.Repository
	var closer io.Closer = nopCloser{}

	switch cfg.memory {
	case "", "chromem":
		var opts []repository.ChromemOption
		if cfg.chromemPath != "" {
			opts = append(opts, repository.WithChromemPath(cfg.chromemPath), repository.WithChromemCompress(true))
		}
		chromem, err := repository.NewChromem(opts...)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create chromem repository")
		}
		repo = chromem

	case "firestore":
		if cfg.firestoreProject == "" {
			return nil, nil, goerr.New("firestore-project is required")
		}
		fs, err := repository.NewFirestore(ctx, cfg.firestoreProject, cfg.firestoreDatabase)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create firestore repository")
		}
		repo = fs
		closer = fs

	case "mcp":
		if cfg.mcpConfig == "" {
			return nil, nil, goerr.New("mcp-config is required")
		}
		serverCfg, err := mcp.LoadConfig(cfg.mcpConfig)
		if err != nil {
			return nil, nil, err
		}
		client, err := mcp.Connect(ctx, *serverCfg)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil

	default:
		return nil, nil, goerr.New("unsupported memory system",
			goerr.V("memory", cfg.memory),
			goerr.V("supported", []string{"chromem", "firestore", "mcp"}))
	}

	embedder, err := cfg.newGemini(ctx)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "embedding backend is required by the reference memory system")
	}

	mem := memory.New(repo, llm, embedder,
		memory.WithTopK(p.SearchTopK),
		memory.WithSearchMethod(model.SearchMethod(p.SearchMethod)),
	)
	return mem, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newScorer creates the similarity matcher of the pipeline config
func (cfg *config) newScorer(ctx context.Context, llm interfaces.LLMClient, p *pipelineConfig) (*scorer.Similarity, error) {
	var embedder interfaces.Embedder
	if p.Scorer == scorer.MethodEmbedding {
		gemini, err := cfg.newGemini(ctx)
		if err != nil {
			return nil, err
		}
		embedder = gemini
	}

	s, err := scorer.New(p.Scorer, llm, embedder)
	if err != nil {
		return nil, err
	}
	return scorer.NewSimilarity(s, p.SimilarityThreshold), nil
}

func (cfg *config) newEvaluator(ctx context.Context, llm interfaces.LLMClient, p *pipelineConfig) (*evaluate.Evaluator, error) {
	similarity, err := cfg.newScorer(ctx, llm, p)
	if err != nil {
		return nil, err
	}

	challenger := challenge.New(llm, challenge.Config{
		NumQA:      p.NumQA,
		MaxRetries: p.MaxGenerationRetries,
	})
	return evaluate.New(challenger, similarity, evaluate.Config{
		NumQA:             p.NumQA,
		PassRateThreshold: p.PassRateThreshold,
		SearchTopK:        p.SearchTopK,
		SearchMethod:      model.SearchMethod(p.SearchMethod),
	}), nil
}

// newStorage creates the artifact storage. Cloud Storage wins over a local
// directory; nil means no artifacts.
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	switch {
	case cfg.bucket != "":
		storage, err := adapter.NewStorage(ctx, cfg.bucket)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		return storage, nil
	case cfg.outputDir != "":
		return adapter.NewFileStorage(cfg.outputDir), nil
	default:
		return nil, nil
	}
}

// newExporter creates the BigQuery exporter when a dataset is configured
func (cfg *config) newExporter(ctx context.Context) (adapter.BigQuery, error) {
	if cfg.bigqueryDataset == "" {
		return nil, nil
	}
	if cfg.bigqueryProject == "" {
		return nil, goerr.New("bigquery-project is required")
	}

	bq, err := adapter.NewBigQuery(ctx, cfg.bigqueryProject, cfg.bigqueryDataset, cfg.bigqueryTable)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}
	if err := bq.EnsureTable(ctx); err != nil {
		return nil, err
	}
	return bq, nil
}

// newOrchestrator wires the whole pipeline
func (cfg *config) newOrchestrator(ctx context.Context, mem interfaces.MemorySystem, evaluator *evaluate.Evaluator, p *pipelineConfig) (*session.Orchestrator, error) {
	opts := []session.Option{session.WithReuseQuestions(p.ReuseQuestions)}

	storage, err := cfg.newStorage(ctx)
	if err != nil {
		return nil, err
	}
	if storage != nil {
		opts = append(opts, session.WithStorage(storage))
	}

	exporter, err := cfg.newExporter(ctx)
	if err != nil {
		return nil, err
	}
	if exporter != nil {
		opts = append(opts, session.WithExporter(exporter))
	}

	return session.New(mem, evaluator, repair.New(), opts...), nil
}
