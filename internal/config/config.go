package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	CurrentVersion = 1
	DefaultPath    = "twinshift.yaml"
	StateDir       = ".twinshift"
)

// Incompatible rewrite policies.
const (
	PolicyAutoApply = "auto_apply"
	PolicyConfirm   = "confirm"
)

// Config is the top-level configuration. It is loaded once and handed to
// each component constructor; nothing reads it from a package variable.
type Config struct {
	Version   int             `yaml:"version"`
	Project   ProjectConfig   `yaml:"project"`
	Rules     RulesConfig     `yaml:"rules,omitempty"`
	Migration MigrationConfig `yaml:"migration,omitempty"`
	Runtimes  RuntimesConfig  `yaml:"runtimes"`
	Tests     TestsConfig     `yaml:"tests,omitempty"`
	Guard     GuardConfig     `yaml:"guard,omitempty"`
	Database  DatabaseConfig  `yaml:"database,omitempty"`
	Audit     AuditConfig     `yaml:"audit,omitempty"`
	Evidence  EvidenceConfig  `yaml:"evidence,omitempty"`
	Server    ServerConfig    `yaml:"server,omitempty"`
	Logging   LogConfig       `yaml:"logging,omitempty"`
}

// ProjectConfig describes the codebase being migrated.
type ProjectConfig struct {
	Root    string   `yaml:"root"`
	Include []string `yaml:"include,omitempty"` // directories relative to root, default all
	Exclude []string `yaml:"exclude,omitempty"` // extra path fragments to skip
	Markers []string `yaml:"markers,omitempty"` // default pandas, pd.
	EnvFile string   `yaml:"env_file,omitempty"`
	Branch  bool     `yaml:"branch,omitempty"` // create a migration branch before writing
}

// RulesConfig controls the rule catalog and matcher.
type RulesConfig struct {
	Catalog            string   `yaml:"catalog,omitempty"` // empty = built-in pandas catalog
	MaxPasses          int      `yaml:"max_passes,omitempty"`
	IncompatiblePolicy string   `yaml:"incompatible_policy,omitempty"` // auto_apply or confirm
	AllowList          []string `yaml:"allow_list,omitempty"`          // extra allow-list patterns
}

// MigrationConfig controls how migrated files are written.
type MigrationConfig struct {
	DryRun    bool   `yaml:"dry_run,omitempty"`
	Workers   int    `yaml:"workers,omitempty"`
	BackupDir string `yaml:"backup_dir,omitempty"`
}

// RuntimesConfig names the two runtimes every suite runs under.
type RuntimesConfig struct {
	Old RuntimeConfig `yaml:"old"`
	New RuntimeConfig `yaml:"new"`
}

// RuntimeConfig identifies one interpreter and library set.
type RuntimeConfig struct {
	ID          string            `yaml:"id"`
	Command     []string          `yaml:"command,omitempty"` // activation prefix, e.g. [conda, run, -n, py36]
	Interpreter string            `yaml:"interpreter,omitempty"`
	Expect      string            `yaml:"expect,omitempty"` // version constraint, e.g. "~> 0.19.0"
	Probe       string            `yaml:"probe,omitempty"`
	EnvFile     string            `yaml:"env_file,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	PythonPath  []string          `yaml:"python_path,omitempty"`
}

// TestsConfig controls suite execution.
type TestsConfig struct {
	Framework    string        `yaml:"framework,omitempty"` // pytest or unittest
	Paths        []string      `yaml:"paths,omitempty"`
	Args         []string      `yaml:"args,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	Baseline     bool          `yaml:"baseline,omitempty"`
	SetupSQL     []string      `yaml:"setup_sql,omitempty"`
	SummaryLines int           `yaml:"summary_lines,omitempty"`

	// Tolerance lets numeric artifact cells differ; nil compares exactly.
	Tolerance *ToleranceConfig `yaml:"tolerance,omitempty"`
}

// ToleranceConfig bounds numeric differences between artifacts.
type ToleranceConfig struct {
	Abs float64 `yaml:"abs,omitempty"`
	Rel float64 `yaml:"rel,omitempty"`
}

// GuardConfig controls mutating-operation approval.
type GuardConfig struct {
	Approval        string        `yaml:"approval,omitempty"` // tui, prompt, http, deny
	ApprovalTimeout time.Duration `yaml:"approval_timeout,omitempty"`
	ExcerptLimit    int           `yaml:"excerpt_limit,omitempty"`
}

// DatabaseConfig is the PostgreSQL database used by setup fixtures.
type DatabaseConfig struct {
	URL            string `yaml:"url,omitempty"`
	MaxConnections int    `yaml:"max_connections,omitempty"`
}

// AuditConfig selects where guard events are recorded.
type AuditConfig struct {
	Backend    string `yaml:"backend,omitempty"` // file, sqlite, postgres, mongo
	Path       string `yaml:"path,omitempty"`
	URL        string `yaml:"url,omitempty"`
	Database   string `yaml:"database,omitempty"`
	Collection string `yaml:"collection,omitempty"`
}

// EvidenceConfig controls where per-run evidence is kept.
type EvidenceConfig struct {
	Root string `yaml:"root,omitempty"`
}

// ServerConfig defines the HTTP API settings.
type ServerConfig struct {
	Port int `yaml:"port,omitempty"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`     // debug, info, warn, error
	Directory string `yaml:"directory,omitempty"` // default .twinshift/logs/
}

// Default returns the configuration written by `twinshift init`.
func Default() *Config {
	cfg := &Config{
		Version: CurrentVersion,
		Project: ProjectConfig{Root: "."},
		Runtimes: RuntimesConfig{
			Old: RuntimeConfig{ID: "pandas-0.19", Interpreter: "python", Expect: "~> 0.19.0"},
			New: RuntimeConfig{ID: "pandas-1.1", Interpreter: "python", Expect: "~> 1.1.0"},
		},
		Tests: TestsConfig{Paths: []string{"tests"}},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the config file from the given path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentVersion)
	}

	root := ExpandHome(cfg.Project.Root)
	if !filepath.IsAbs(root) {
		root = filepath.Join(filepath.Dir(path), root)
	}
	cfg.Project.Root = root

	if cfg.Project.EnvFile != "" {
		envPath := cfg.resolvePath(cfg.Project.EnvFile)
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envPath, err)
		}
	}

	if err := cfg.resolveSecrets(); err != nil {
		return nil, fmt.Errorf("resolving secrets: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to the given path.
func (c *Config) Save(path string) error {
	if path == "" {
		path = DefaultPath
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if c.Runtimes.Old.ID == "" || c.Runtimes.New.ID == "" {
		return fmt.Errorf("both runtimes.old.id and runtimes.new.id are required")
	}
	if c.Runtimes.Old.ID == c.Runtimes.New.ID {
		return fmt.Errorf("runtime ids must differ (both are %q)", c.Runtimes.Old.ID)
	}
	switch c.Rules.IncompatiblePolicy {
	case PolicyAutoApply, PolicyConfirm:
	default:
		return fmt.Errorf("unknown rules.incompatible_policy %q (expected auto_apply or confirm)", c.Rules.IncompatiblePolicy)
	}
	switch c.Guard.Approval {
	case "tui", "prompt", "http", "deny":
	default:
		return fmt.Errorf("unknown guard.approval %q", c.Guard.Approval)
	}
	switch c.Audit.Backend {
	case "file", "sqlite", "postgres", "mongo":
	default:
		return fmt.Errorf("unknown audit.backend %q", c.Audit.Backend)
	}
	if t := c.Tests.Tolerance; t != nil && (t.Abs < 0 || t.Rel < 0) {
		return fmt.Errorf("tests.tolerance must not be negative")
	}
	switch c.Tests.Framework {
	case "pytest", "unittest":
	default:
		return fmt.Errorf("unknown tests.framework %q", c.Tests.Framework)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Project.Root == "" {
		c.Project.Root = "."
	}
	if len(c.Project.Markers) == 0 {
		c.Project.Markers = []string{"pandas", "pd."}
	}
	if c.Rules.MaxPasses == 0 {
		c.Rules.MaxPasses = 5
	}
	if c.Rules.IncompatiblePolicy == "" {
		c.Rules.IncompatiblePolicy = PolicyAutoApply
	}
	if c.Migration.Workers == 0 {
		c.Migration.Workers = 4
	}
	if c.Migration.BackupDir == "" {
		c.Migration.BackupDir = filepath.Join(StateDir, "backup")
	}
	for _, rt := range []*RuntimeConfig{&c.Runtimes.Old, &c.Runtimes.New} {
		if rt.Interpreter == "" {
			rt.Interpreter = "python"
		}
		if rt.Probe == "" {
			rt.Probe = "import pandas; print(pandas.__version__)"
		}
	}
	if c.Tests.Framework == "" {
		c.Tests.Framework = "pytest"
	}
	if c.Tests.Timeout == 0 {
		c.Tests.Timeout = 300 * time.Second
	}
	if c.Tests.SummaryLines == 0 {
		c.Tests.SummaryLines = 20
	}
	if c.Guard.Approval == "" {
		c.Guard.Approval = "deny"
	}
	if c.Guard.ApprovalTimeout == 0 {
		c.Guard.ApprovalTimeout = 5 * time.Minute
	}
	if c.Guard.ExcerptLimit == 0 {
		c.Guard.ExcerptLimit = 200
	}
	if c.Database.MaxConnections == 0 {
		c.Database.MaxConnections = 4
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "sqlite"
	}
	if c.Audit.Path == "" {
		switch c.Audit.Backend {
		case "file":
			c.Audit.Path = filepath.Join(StateDir, "audit.jsonl")
		case "sqlite":
			c.Audit.Path = filepath.Join(StateDir, "audit.db")
		}
	}
	if c.Audit.Database == "" {
		c.Audit.Database = "twinshift"
	}
	if c.Audit.Collection == "" {
		c.Audit.Collection = "audit"
	}
	if c.Evidence.Root == "" {
		c.Evidence.Root = filepath.Join(StateDir, "runs")
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8231
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Directory == "" {
		c.Logging.Directory = filepath.Join(StateDir, "logs")
	}
}

// Path resolves a project-relative path against the project root.
func (c *Config) Path(p string) string {
	return c.resolvePath(p)
}

func (c *Config) resolvePath(p string) string {
	p = ExpandHome(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Project.Root, p)
}

var secretPattern = regexp.MustCompile(`\$\{(ENV|FILE):([^}]+)\}`)

func (c *Config) resolveSecrets() error {
	var err error
	c.Database.URL, err = ResolveValue(c.Database.URL)
	if err != nil {
		return fmt.Errorf("database url: %w", err)
	}
	c.Audit.URL, err = ResolveValue(c.Audit.URL)
	if err != nil {
		return fmt.Errorf("audit url: %w", err)
	}
	for _, rt := range []*RuntimeConfig{&c.Runtimes.Old, &c.Runtimes.New} {
		for k, v := range rt.Env {
			resolved, err := ResolveValue(v)
			if err != nil {
				return fmt.Errorf("runtime %s env %s: %w", rt.ID, k, err)
			}
			rt.Env[k] = resolved
		}
	}
	return nil
}

// ResolveValue resolves secret references in a string value.
func ResolveValue(val string) (string, error) {
	matches := secretPattern.FindStringSubmatch(val)
	if matches == nil {
		return val, nil
	}

	provider := matches[1]
	ref := matches[2]

	var resolved string
	switch provider {
	case "ENV":
		v := os.Getenv(ref)
		if v == "" {
			return "", fmt.Errorf("environment variable %s not set", ref)
		}
		resolved = v
	case "FILE":
		data, err := os.ReadFile(ExpandHome(ref))
		if err != nil {
			return "", fmt.Errorf("reading secret file: %w", err)
		}
		resolved = strings.TrimSpace(string(data))
	default:
		return "", fmt.Errorf("unknown secrets provider: %s", provider)
	}
	return strings.Replace(val, matches[0], resolved, 1), nil
}

// ExpandHome expands ~ to the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
