package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type Config struct {
	PostgresDSN string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	LLM      LLMConfig
	Analyzer AnalyzerConfig
	Agent    AgentConfig
	Server   ServerConfig
}

type LLMConfig struct {
	Provider    string
	Model       string
	Temperature float32
	Timeout     time.Duration
}

type AnalyzerConfig struct {
	// Workers bounds how many pages are analyzed at once. 1 keeps the
	// page loop sequential.
	Workers int
}

type AgentConfig struct {
	MaxIterations int
	HistoryLimit  int
}

type ServerConfig struct {
	Addr          string
	UploadDir     string
	SessionCookie string
	MaxUploadMB   int64
	// WriteTimeout bounds a whole request, including /v1/analyze, which makes
	// two completion calls per page: a report of N pages analyzed with W
	// workers needs roughly 2*N/W*llm.timeout in the worst case.
	WriteTimeout time.Duration
}

// Load reads configuration from defaults, an optional config file and the
// environment, in increasing order of precedence. An empty cfgFile searches
// ./config.yaml and $HOME/.hoa-agent/config.yaml.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.hoa-agent")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		PostgresDSN:   v.GetString("postgres.dsn"),
		Neo4jURI:      v.GetString("neo4j.uri"),
		Neo4jUser:     v.GetString("neo4j.username"),
		Neo4jPass:     v.GetString("neo4j.password"),
		OllamaHost:    v.GetString("ollama.host"),
		OpenAIAPIKey:  v.GetString("openai.api_key"),
		OpenAIBaseURL: v.GetString("openai.base_url"),
		LLM: LLMConfig{
			Provider:    strings.ToLower(v.GetString("llm.provider")),
			Model:       v.GetString("llm.model"),
			Temperature: float32(v.GetFloat64("llm.temperature")),
			Timeout:     v.GetDuration("llm.timeout"),
		},
		Analyzer: AnalyzerConfig{
			Workers: v.GetInt("analyzer.workers"),
		},
		Agent: AgentConfig{
			MaxIterations: v.GetInt("agent.max_iterations"),
			HistoryLimit:  v.GetInt("agent.history_limit"),
		},
		Server: ServerConfig{
			Addr:          v.GetString("server.addr"),
			UploadDir:     v.GetString("server.upload_dir"),
			SessionCookie: v.GetString("server.session_cookie"),
			MaxUploadMB:   v.GetInt64("server.max_upload_mb"),
			WriteTimeout:  v.GetDuration("server.write_timeout"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate reports settings that can never work.
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderOllama:
	default:
		return fmt.Errorf("unknown llm provider: %s", c.LLM.Provider)
	}
	if c.Analyzer.Workers <= 0 {
		return fmt.Errorf("analyzer workers must be positive, got %d", c.Analyzer.Workers)
	}
	if c.Agent.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive, got %d", c.Agent.HistoryLimit)
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm timeout must be positive, got %s", c.LLM.Timeout)
	}
	if c.Server.WriteTimeout < 2*c.LLM.Timeout {
		return fmt.Errorf("server write timeout %s cannot fit one page (2 x llm timeout %s)", c.Server.WriteTimeout, c.LLM.Timeout)
	}
	return nil
}

// PostgresEnabled reports whether a report/conversation database is configured.
func (c Config) PostgresEnabled() bool {
	return strings.TrimSpace(c.PostgresDSN) != ""
}

// Neo4jEnabled reports whether the loan graph is configured.
func (c Config) Neo4jEnabled() bool {
	return strings.TrimSpace(c.Neo4jURI) != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("neo4j.uri", "")
	v.SetDefault("neo4j.username", "neo4j")
	v.SetDefault("neo4j.password", "password")
	v.SetDefault("ollama.host", "http://localhost:11434")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("llm.provider", ProviderOpenAI)
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.5)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("analyzer.workers", 1)
	v.SetDefault("agent.max_iterations", 8)
	v.SetDefault("agent.history_limit", 5)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.upload_dir", "uploads")
	v.SetDefault("server.session_cookie", "hoa_session")
	v.SetDefault("server.max_upload_mb", 32)
	v.SetDefault("server.write_timeout", 30*time.Minute)
}

// bindEnv keeps the environment variable names of the original deployment
// rather than deriving them from the config keys.
func bindEnv(v *viper.Viper) {
	bindings := map[string]string{
		"postgres.dsn":          "POSTGRES_DSN",
		"neo4j.uri":             "NEO4J_URI",
		"neo4j.username":        "NEO4J_USERNAME",
		"neo4j.password":        "NEO4J_PASSWORD",
		"ollama.host":           "OLLAMA_HOST",
		"openai.api_key":        "OPENAI_API_KEY",
		"openai.base_url":       "OPENAI_BASE_URL",
		"llm.provider":          "LLM_PROVIDER",
		"llm.model":             "LLM_MODEL",
		"llm.temperature":       "LLM_TEMPERATURE",
		"llm.timeout":           "LLM_TIMEOUT",
		"analyzer.workers":      "ANALYZER_WORKERS",
		"agent.max_iterations":  "AGENT_MAX_ITERATIONS",
		"agent.history_limit":   "HISTORY_LIMIT",
		"server.addr":           "LISTEN_ADDR",
		"server.upload_dir":     "UPLOAD_DIR",
		"server.session_cookie": "SESSION_COOKIE",
		"server.max_upload_mb":  "MAX_UPLOAD_MB",
		"server.write_timeout":  "WRITE_TIMEOUT",
	}
	for key, env := range bindings {
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(key, env)
	}
}
