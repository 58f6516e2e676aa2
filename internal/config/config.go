package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"smartquery/internal/models"
)

const (
	DefaultConfigPath = "./configs/config.yaml"
	ConfigPathEnv     = "SMARTQUERY_CONFIG"
)

type Config struct {
	DocumentsDir string   `yaml:"documents_dir"`
	Extensions   []string `yaml:"extensions"`
	LogLevel     string   `yaml:"log_level"`

	RAG          RAGConfig      `yaml:"rag"`
	Index        IndexConfig    `yaml:"index"`
	EmbedLLM     LLMConfig      `yaml:"embed_llm"`
	InferenceLLM LLMConfig      `yaml:"inference_llm"`
	Chromem      ChromemConfig  `yaml:"chromem"`
	Database     DatabaseConfig `yaml:"database"`
}

type RAGConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`
	ChunkOverlap  int    `yaml:"chunk_overlap"`
	TopK          int    `yaml:"top_k"`
	ContextChars  int    `yaml:"context_chars"`
	EncryptionKey string `yaml:"encryption_key"`
}

type IndexConfig struct {
	Path         string `yaml:"path"`
	MetadataPath string `yaml:"metadata_path"`
	// flat, chromem or postgres
	Backend string `yaml:"backend"`
}

type LLMConfig struct {
	// embedding: ollama, openai, hash
	// inference: exec, ollama, openai
	Provider  string        `yaml:"provider"`
	Command   string        `yaml:"command"`
	BaseURL   string        `yaml:"base_url"`
	Key       string        `yaml:"key"`
	Model     string        `yaml:"model"`
	BatchSize int           `yaml:"batch_size"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

type ChromemConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
	Compress   bool   `yaml:"compress"`
	ExportFile string `yaml:"export_file"`
}

type DatabaseConfig struct {
	Enabled bool `yaml:"enabled"`
	// pgdriver or pq
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	Table    string `yaml:"table"`
	Debug    bool   `yaml:"debug"`
}

// Path resolves the config file location, honouring SMARTQUERY_CONFIG.
func Path() string {
	if p := strings.TrimSpace(os.Getenv(ConfigPathEnv)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// LoadConfig reads .env, then the YAML file at path with ${VAR} references
// expanded. A missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := unset()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Default() *Config {
	cfg := unset()
	cfg.applyDefaults()
	return cfg
}

// unset is the value a config file is decoded over. Zero is a valid overlap,
// so its default is set before decoding rather than filled in afterwards.
func unset() *Config {
	return &Config{RAG: RAGConfig{ChunkOverlap: models.DefaultChunkOverlap}}
}

func (c *Config) applyDefaults() {
	if c.DocumentsDir == "" {
		c.DocumentsDir = "./papers"
	}
	if len(c.Extensions) == 0 {
		c.Extensions = []string{".pdf"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RAG.ChunkSize == 0 {
		c.RAG.ChunkSize = models.DefaultChunkSize
	}
	if c.RAG.TopK <= 0 {
		c.RAG.TopK = models.DefaultTopK
	}
	if c.RAG.ContextChars <= 0 {
		c.RAG.ContextChars = models.DefaultContextChars
	}
	if c.Index.Path == "" {
		c.Index.Path = "vector.index"
	}
	if c.Index.MetadataPath == "" {
		c.Index.MetadataPath = "chunks.json"
	}
	if c.Index.Backend == "" {
		c.Index.Backend = "flat"
	}
	if c.EmbedLLM.Provider == "" {
		c.EmbedLLM.Provider = "ollama"
	}
	if c.EmbedLLM.Model == "" {
		c.EmbedLLM.Model = "all-minilm"
	}
	if c.EmbedLLM.BaseURL == "" && c.EmbedLLM.Provider == "ollama" {
		c.EmbedLLM.BaseURL = "http://localhost:11434"
	}
	if c.EmbedLLM.BatchSize <= 0 {
		c.EmbedLLM.BatchSize = 64
	}
	if c.InferenceLLM.Provider == "" {
		c.InferenceLLM.Provider = "exec"
	}
	if c.InferenceLLM.Command == "" {
		c.InferenceLLM.Command = "ollama"
	}
	if c.InferenceLLM.Model == "" {
		c.InferenceLLM.Model = "phi"
	}
	if c.InferenceLLM.BaseURL == "" && c.InferenceLLM.Provider == "ollama" {
		c.InferenceLLM.BaseURL = "http://localhost:11434"
	}
	if c.Chromem.Path == "" {
		c.Chromem.Path = "./chromemdb"
	}
	if c.Chromem.Collection == "" {
		c.Chromem.Collection = "chunks"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "pgdriver"
	}
	if c.Database.Table == "" {
		c.Database.Table = "chunks"
	}
}

// Validate rejects settings the pipelines cannot run with.
func (c *Config) Validate() error {
	if c.RAG.ChunkSize <= 0 || c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("%w: chunk_size=%d chunk_overlap=%d", models.ErrInvalidChunking, c.RAG.ChunkSize, c.RAG.ChunkOverlap)
	}
	switch c.Index.Backend {
	case "flat", "chromem", "postgres":
	default:
		return fmt.Errorf("unsupported index backend: %s", c.Index.Backend)
	}
	if c.Index.Backend == "chromem" && !c.Chromem.Enabled {
		return fmt.Errorf("index backend chromem requires chromem.enabled")
	}
	if c.Index.Backend == "postgres" && !c.Database.Enabled {
		return fmt.Errorf("index backend postgres requires database.enabled")
	}
	switch c.EmbedLLM.Provider {
	case "ollama", "openai", "hash":
	default:
		return fmt.Errorf("unsupported embedding provider: %s", c.EmbedLLM.Provider)
	}
	switch c.InferenceLLM.Provider {
	case "exec", "ollama", "openai":
	default:
		return fmt.Errorf("unsupported inference provider: %s", c.InferenceLLM.Provider)
	}
	switch c.Database.Driver {
	case "pgdriver", "pq":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	return nil
}
