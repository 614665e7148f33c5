// Package config loads and validates the immutable configuration value the
// client is constructed with. Config is read-only after init; unresolved
// environment token references fail init and secret fields are masked in all
// output.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	domaincfg "github.com/chronos-store/chronos/domain/config"
	"github.com/chronos-store/chronos/domain/core/valueobjects"
	cerrors "github.com/chronos-store/chronos/pkg/errors"
	"github.com/chronos-store/chronos/pkg/utils"
)

// Duration is a yaml-friendly time.Duration ("5s", "100ms")
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DBConnection describes one document store connection
type DBConnection struct {
	// Kind selects the adapter: dynamodb or memory (tests)
	Kind        string `yaml:"kind" validate:"required,oneof=dynamodb memory"`
	Region      string `yaml:"region,omitempty"`
	Endpoint    string `yaml:"endpoint,omitempty"`
	TablePrefix string `yaml:"tablePrefix,omitempty"`
}

// SpaceConnection describes one object store connection. Kind fs points the
// adapter at a local directory for development.
type SpaceConnection struct {
	Kind           string `yaml:"kind" validate:"required,oneof=s3 fs memory"`
	Endpoint       string `yaml:"endpoint,omitempty"`
	Region         string `yaml:"region,omitempty"`
	AccessKey      string `yaml:"accessKey,omitempty"`
	SecretKey      string `yaml:"secretKey,omitempty"`
	ForcePathStyle bool   `yaml:"forcePathStyle,omitempty"`
	BasePath       string `yaml:"basePath,omitempty"`
	ContentBucket  string `yaml:"contentBucket,omitempty"`
}

// String masks credentials
func (s SpaceConnection) String() string {
	return fmt.Sprintf("SpaceConnection{kind:%s endpoint:%s region:%s accessKey:*** secretKey:***}", s.Kind, s.Endpoint, s.Region)
}

// CandidateRef is one of several equivalent backend candidates inside a tier
// entry; rendezvous hashing picks among them.
type CandidateRef struct {
	ID           string `yaml:"id" validate:"required"`
	DBConnRef    string `yaml:"dbConnRef" validate:"required"`
	SpaceConnRef string `yaml:"spaceConnRef" validate:"required"`
	Bucket       string `yaml:"bucket" validate:"required"`
}

// DatabaseEntry maps one routing target to connection references
type DatabaseEntry struct {
	TenantID     string `yaml:"tenantId,omitempty"`
	Domain       string `yaml:"domain,omitempty"`
	DBConnRef    string `yaml:"dbConnRef"`
	SpaceConnRef string `yaml:"spaceConnRef"`
	Bucket       string `yaml:"bucket"`
	DBName       string `yaml:"dbName,omitempty"`

	// Candidates enables the legacy multi-backend mode for this entry
	Candidates []CandidateRef `yaml:"candidates,omitempty"`
}

// DatabaseTree is the tiered entry set for one database type. Flat types
// (logs, messaging, identities) use Database only.
type DatabaseTree struct {
	GenericDatabase *DatabaseEntry  `yaml:"genericDatabase,omitempty"`
	Domains         []DatabaseEntry `yaml:"domains,omitempty"`
	TenantDatabases []DatabaseEntry `yaml:"tenantDatabases,omitempty"`
	Database        *DatabaseEntry  `yaml:"database,omitempty"`
}

// Routing configures candidate selection in the legacy multi-backend mode
type Routing struct {
	HashAlgo string `yaml:"hashAlgo,omitempty" validate:"omitempty,oneof=xxhash"`

	// ChooseKey is the routing key template, fields joined verbatim, e.g.
	// "tenantId|dbName|collection:objectId".
	ChooseKey string `yaml:"chooseKey,omitempty"`
}

// Fallback configures the durable retry queue and its worker
type Fallback struct {
	Enabled      bool     `yaml:"enabled"`
	MaxAttempts  int      `yaml:"maxAttempts,omitempty"`
	BaseDelay    Duration `yaml:"baseDelay,omitempty"`
	MaxDelay     Duration `yaml:"maxDelay,omitempty"`
	PollInterval Duration `yaml:"pollInterval,omitempty"`
	BatchSize    int      `yaml:"batchSize,omitempty"`
	LeaseTTL     Duration `yaml:"leaseTTL,omitempty"`

	// SurfaceAsError returns a Queued error instead of a queued result
	SurfaceAsError bool `yaml:"surfaceAsError,omitempty"`
}

// WriteOptimization configures the batch optimizer window
type WriteOptimization struct {
	Enabled  bool     `yaml:"enabled"`
	Window   Duration `yaml:"window,omitempty"`
	MaxBatch int      `yaml:"maxBatch,omitempty"`
}

// Analytics configures counter rules, debouncing and metric emission
type Analytics struct {
	Enabled        bool                     `yaml:"enabled"`
	DebounceWindow Duration                 `yaml:"debounceWindow,omitempty"`
	CounterRules   []domaincfg.CounterRule  `yaml:"counterRules,omitempty"`
	CloudWatch     AnalyticsCloudWatch      `yaml:"cloudwatch,omitempty"`
}

// AnalyticsCloudWatch optionally mirrors counter flushes to CloudWatch
type AnalyticsCloudWatch struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace,omitempty"`
	Region    string `yaml:"region,omitempty"`
}

// RetentionConfig bounds version history
type RetentionConfig struct {
	Enabled     bool                           `yaml:"enabled"`
	Interval    Duration                       `yaml:"interval,omitempty"`
	Default     domaincfg.Retention            `yaml:"default,omitempty"`
	Collections map[string]domaincfg.Retention `yaml:"collections,omitempty"`
}

// Toggle is an enabled/disabled pair with optional auto-detection
type Toggle struct {
	Enabled    bool `yaml:"enabled"`
	AutoDetect bool `yaml:"autoDetect,omitempty"`
}

// CacheConfig selects the optional head cache
type CacheConfig struct {
	Enabled bool     `yaml:"enabled"`
	Kind    string   `yaml:"kind,omitempty" validate:"omitempty,oneof=memory redis"`
	TTL     Duration `yaml:"ttl,omitempty"`
	Redis   struct {
		Addr     string `yaml:"addr,omitempty"`
		Password string `yaml:"password,omitempty"`
		DB       int    `yaml:"db,omitempty"`
	} `yaml:"redis,omitempty"`
}

// Config is the complete configuration value
type Config struct {
	Environment string `yaml:"environment,omitempty"`
	LogLevel    string `yaml:"logLevel,omitempty"`

	DBConnections     map[string]DBConnection    `yaml:"dbConnections" validate:"required,min=1,dive"`
	SpacesConnections map[string]SpaceConnection `yaml:"spacesConnections" validate:"required,min=1,dive"`

	Databases map[valueobjects.DatabaseType]DatabaseTree `yaml:"databases" validate:"required,min=1"`

	CollectionMaps     map[string]domaincfg.CollectionMap `yaml:"collectionMaps,omitempty"`
	UnknownCollections domaincfg.UnknownCollectionPolicy  `yaml:"unknownCollections,omitempty"`

	Routing           Routing           `yaml:"routing,omitempty"`
	Retention         RetentionConfig   `yaml:"retention,omitempty"`
	Analytics         Analytics         `yaml:"analytics,omitempty"`
	DevShadow         domaincfg.DevShadow `yaml:"devShadow,omitempty"`
	Fallback          Fallback          `yaml:"fallback,omitempty"`
	WriteOptimization WriteOptimization `yaml:"writeOptimization,omitempty"`
	Transactions      Toggle            `yaml:"transactions,omitempty"`
	LogicalDelete     Toggle            `yaml:"logicalDelete,omitempty"`
	Versioning        Toggle            `yaml:"versioning,omitempty"`
	Cache             CacheConfig       `yaml:"cache,omitempty"`

	// OpTimeout is the default per-operation deadline
	OpTimeout Duration `yaml:"opTimeout,omitempty"`
}

var envTokenRe = regexp.MustCompile(`\$\{ENV:([A-Za-z_][A-Za-z0-9_]*)\}`)

// Parse loads a config from raw YAML bytes, expanding ${ENV:NAME} tokens.
// Any unresolved token fails init.
func Parse(raw []byte) (*Config, error) {
	expanded, err := expandEnvTokens(raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, cerrors.NewInternal("parsing config failed").WithCause(err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseFile loads a config from a YAML file path
func ParseFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.NewInternal("reading config file failed").WithCause(err)
	}
	return Parse(raw)
}

func expandEnvTokens(raw []byte) ([]byte, error) {
	var missing []string
	out := envTokenRe.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(envTokenRe.FindSubmatch(m)[1])
		v, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return []byte(v)
	})
	if len(missing) > 0 {
		return nil, cerrors.NewValidationf("unresolved environment tokens: %v", missing)
	}
	return out, nil
}

func (c *Config) applyDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.UnknownCollections == "" {
		c.UnknownCollections = domaincfg.UnknownAutoIndex
	}
	if c.Routing.HashAlgo == "" {
		c.Routing.HashAlgo = "xxhash"
	}
	if c.Routing.ChooseKey == "" {
		c.Routing.ChooseKey = "tenantId|dbName|collection"
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = Duration(30 * time.Second)
	}
	if c.Fallback.MaxAttempts == 0 {
		c.Fallback.MaxAttempts = 10
	}
	if c.Fallback.BaseDelay == 0 {
		c.Fallback.BaseDelay = Duration(500 * time.Millisecond)
	}
	if c.Fallback.MaxDelay == 0 {
		c.Fallback.MaxDelay = Duration(5 * time.Minute)
	}
	if c.Fallback.PollInterval == 0 {
		c.Fallback.PollInterval = Duration(5 * time.Second)
	}
	if c.Fallback.BatchSize == 0 {
		c.Fallback.BatchSize = 50
	}
	if c.Fallback.LeaseTTL == 0 {
		c.Fallback.LeaseTTL = Duration(time.Minute)
	}
	if c.Analytics.DebounceWindow == 0 {
		c.Analytics.DebounceWindow = Duration(100 * time.Millisecond)
	}
	if c.WriteOptimization.Window == 0 {
		c.WriteOptimization.Window = Duration(50 * time.Millisecond)
	}
	if c.WriteOptimization.MaxBatch == 0 {
		c.WriteOptimization.MaxBatch = 25
	}
	if c.Retention.Interval == 0 {
		c.Retention.Interval = Duration(time.Hour)
	}
	if c.DevShadow.Enabled && c.DevShadow.MaxBytes == 0 {
		c.DevShadow.MaxBytes = 256 * 1024
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = Duration(30 * time.Second)
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	// Versioning and logical delete are on unless explicitly configured off
	if !c.Versioning.Enabled && !c.Versioning.AutoDetect {
		c.Versioning.Enabled = true
	}
	if !c.LogicalDelete.Enabled && !c.LogicalDelete.AutoDetect {
		c.LogicalDelete.Enabled = true
	}
	if !c.Transactions.Enabled {
		c.Transactions.AutoDetect = true
	}
}

// Validate checks structural validity and that every connection reference
// resolves.
func (c *Config) Validate() error {
	if err := utils.ValidateStruct(c); err != nil {
		return cerrors.NewValidation("invalid config").WithCause(err)
	}

	check := func(e *DatabaseEntry) error {
		if e == nil {
			return nil
		}
		refs := [][2]string{{e.DBConnRef, "db"}, {e.SpaceConnRef, "space"}}
		for _, cand := range e.Candidates {
			refs = append(refs, [2]string{cand.DBConnRef, "db"}, [2]string{cand.SpaceConnRef, "space"})
		}
		for _, r := range refs {
			if r[0] == "" {
				continue
			}
			if r[1] == "db" {
				if _, ok := c.DBConnections[r[0]]; !ok {
					return cerrors.NewConfigRefMissing(r[0])
				}
			} else {
				if _, ok := c.SpacesConnections[r[0]]; !ok {
					return cerrors.NewConfigRefMissing(r[0])
				}
			}
		}
		if len(e.Candidates) == 0 && (e.DBConnRef == "" || e.SpaceConnRef == "") {
			return cerrors.NewValidation("database entry must set dbConnRef and spaceConnRef or candidates")
		}
		return nil
	}

	for dbType, tree := range c.Databases {
		entries := []*DatabaseEntry{tree.GenericDatabase, tree.Database}
		for i := range tree.Domains {
			entries = append(entries, &tree.Domains[i])
		}
		for i := range tree.TenantDatabases {
			entries = append(entries, &tree.TenantDatabases[i])
		}
		for _, e := range entries {
			if err := check(e); err != nil {
				return cerrors.Wrapf(err, "databases.%s", dbType)
			}
		}
		if dbType.IsFlat() && tree.Database == nil {
			return cerrors.NewValidationf("databases.%s requires a single database entry", dbType)
		}
	}
	return nil
}

// CollectionMapFor resolves the map for a collection under the unknown
// collection policy. ok is false when the policy rejects.
func (c *Config) CollectionMapFor(collection string) (domaincfg.CollectionMap, bool) {
	if m, ok := c.CollectionMaps[collection]; ok {
		return m, true
	}
	if c.UnknownCollections == domaincfg.UnknownReject {
		return domaincfg.CollectionMap{}, false
	}
	// Auto-index policy: no declared map, the projection indexes every
	// top-level scalar field.
	return domaincfg.CollectionMap{}, true
}

// SystemConnRef returns the document connection carrying the system
// collections (fallback queue, counters): the lexicographically first
// reference, so every process lands on the same one.
func (c *Config) SystemConnRef() string {
	refs := make([]string, 0, len(c.DBConnections))
	for ref := range c.DBConnections {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs[0]
}

// RetentionFor resolves the retention bounds for a collection
func (c *Config) RetentionFor(collection string) domaincfg.Retention {
	if r, ok := c.Retention.Collections[collection]; ok {
		return r
	}
	return c.Retention.Default
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool { return c.Environment == "development" }

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool { return c.Environment == "production" }
