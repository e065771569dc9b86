// Package config loads the declarative binding configuration for a
// workerbench run. Parsing the full wrangler-style TOML dialect is out of
// scope (spec.md names "config parsing" as an external collaborator); this
// package loads a minimal JSON description of the same shape plus the
// variable-layering behavior spec.md §6 requires: config vars, then
// `.dev.vars`, then `.env`, each overriding the previous.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// KVBinding names a KV namespace binding.
type KVBinding struct {
	Binding   string `json:"binding"`
	Namespace string `json:"namespace"`
}

// R2Binding names an R2 bucket binding.
type R2Binding struct {
	Binding string `json:"binding"`
	Bucket  string `json:"bucket"`
}

// D1Binding names a D1 database binding.
type D1Binding struct {
	Binding      string `json:"binding"`
	DatabaseName string `json:"database_name"`
}

// DurableObjectBinding names a durable-actor namespace binding.
type DurableObjectBinding struct {
	Binding       string `json:"binding"`
	ClassName     string `json:"class_name"`
	ScriptName    string `json:"script_name,omitempty"`
	Isolated      bool   `json:"isolated,omitempty"`
	EvictMillis   int64  `json:"eviction_timeout_ms,omitempty"`
}

// WorkflowBinding names a workflow binding.
type WorkflowBinding struct {
	Binding   string `json:"binding"`
	ClassName string `json:"class_name"`
	Name      string `json:"name"`
}

// QueueProducerBinding names a queue producer binding.
type QueueProducerBinding struct {
	Binding string `json:"binding"`
	Queue   string `json:"queue"`
}

// QueueConsumerBinding configures a push consumer for a queue.
type QueueConsumerBinding struct {
	Queue            string `json:"queue"`
	MaxBatchSize     int    `json:"max_batch_size"`
	MaxBatchTimeoutS int    `json:"max_batch_timeout"`
	MaxRetries       int    `json:"max_retries"`
	DeadLetterQueue  string `json:"dead_letter_queue,omitempty"`
	RetentionSeconds int64  `json:"retention_seconds,omitempty"`
}

// ServiceBinding names a worker-to-worker fetch/RPC binding.
type ServiceBinding struct {
	Binding     string `json:"binding"`
	ServiceName string `json:"service"`
	Entrypoint  string `json:"entrypoint,omitempty"`
}

// AssetsConfig configures the static-asset server.
type AssetsConfig struct {
	Directory         string `json:"directory"`
	HTMLHandling      string `json:"html_handling,omitempty"`      // none|auto-trailing-slash|force-trailing-slash|drop-trailing-slash
	NotFoundHandling  string `json:"not_found_handling,omitempty"` // none|404-page|single-page-application
	RunWorkerFirst    bool   `json:"run_worker_first,omitempty"`
	MaxStaticRedirect int    `json:"max_static_redirects,omitempty"`
	MaxDynRedirect    int    `json:"max_dynamic_redirects,omitempty"`
	MaxHeaderRules    int    `json:"max_header_rules,omitempty"`
}

// BackupConfig optionally enables S3/R2-compatible remote backup of the
// data directory (expansion, see SPEC_FULL.md §5).
type BackupConfig struct {
	Enabled         bool   `json:"enabled"`
	AccountID       string `json:"account_id"`
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Bucket          string `json:"bucket"`
	IntervalSeconds int64  `json:"interval_seconds,omitempty"`
}

// Config is the fully resolved runtime configuration for one `dev` run.
type Config struct {
	Name     string            `json:"name"`
	DataDir  string            `json:"data_dir"`
	Port     int               `json:"port"`
	LogLevel string            `json:"log_level"`
	Vars     map[string]string `json:"vars"`

	KV             []KVBinding            `json:"kv_namespaces"`
	R2             []R2Binding            `json:"r2_buckets"`
	D1             []D1Binding            `json:"d1_databases"`
	DurableObjects []DurableObjectBinding `json:"durable_objects"`
	Workflows      []WorkflowBinding      `json:"workflows"`
	QueueProducers []QueueProducerBinding `json:"queue_producers"`
	QueueConsumers []QueueConsumerBinding `json:"queue_consumers"`
	Services       []ServiceBinding       `json:"services"`
	Assets         *AssetsConfig          `json:"assets,omitempty"`
	Crons          []string               `json:"crons"`
	Backup         *BackupConfig          `json:"backup,omitempty"`
}

// Load reads the config file at path (if it exists), then layers
// `.dev.vars` and `.env` from the same directory over Vars, then applies
// environment-variable and flag overrides. dataDirFlag, when non-empty,
// always wins over everything else for DataDir.
func Load(path, dataDirFlag string) (*Config, error) {
	cfg := &Config{
		Port:     8787,
		LogLevel: "info",
		Vars:     map[string]string{},
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	dir := "."
	if path != "" {
		dir = filepath.Dir(path)
	}

	layerDotenv(cfg, filepath.Join(dir, ".dev.vars"))
	layerDotenv(cfg, filepath.Join(dir, ".env"))

	if v := os.Getenv("WORKERBENCH_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	if cfg.DataDir == "" {
		cfg.DataDir = ".workerbench"
	}
	if v := os.Getenv("WORKERBENCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}

	return cfg, nil
}

// layerDotenv parses a dotenv-format file, if present, and merges its
// key/values into cfg.Vars, overriding any existing entries — this
// implements the "config vars, then .dev.vars, then .env" precedence
// of spec.md §6.
func layerDotenv(cfg *Config, path string) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return
	}
	for k, v := range vars {
		cfg.Vars[k] = v
	}
}
