// Package config loads the YAML documents that describe a multi-kernel
// deployment: one or more kernel specs, the bridges connecting them,
// and the shared queue/middleware/context-store tuning each kernel
// inherits unless it overrides a field itself. Grounded on
// integration_tests/framework/runner.go's yaml.v3-tagged scenario
// structs (lowerCamel tags, pointer fields for optional overrides).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/goa-ai/runtime/kernel/ctxstore"
	"goa.design/goa-ai/runtime/kernel/event"
	"goa.design/goa-ai/runtime/kernel/handlers"
	"goa.design/goa-ai/runtime/kernel/kernel"
	"goa.design/goa-ai/runtime/kernel/loopguard"
	"goa.design/goa-ai/runtime/kernel/middleware"
	"goa.design/goa-ai/runtime/kernel/multikernel"
	"goa.design/goa-ai/runtime/kernel/processor"
	"goa.design/goa-ai/runtime/kernel/queue"
)

// Document is the root of a kernel deployment file.
type Document struct {
	Defaults Defaults     `yaml:"defaults"`
	Kernels  []KernelSpec `yaml:"kernels"`
	Bridges  []BridgeSpec `yaml:"bridges"`
}

// Defaults apply to every KernelSpec that leaves the corresponding
// field unset.
type Defaults struct {
	Queue          QueueTuning          `yaml:"queue"`
	Registry       RegistryTuning       `yaml:"registry"`
	ContextStore   ContextTuning        `yaml:"contextStore"`
	Processor      ProcessorTuning      `yaml:"processor"`
	Retry          RetryTuning          `yaml:"retry"`
	LoopGuard      LoopGuardTuning      `yaml:"loopGuard"`
	CircuitBreaker CircuitBreakerTuning `yaml:"circuitBreaker"`
}

// KernelSpec describes one tenant/job kernel. Fields left at their zero
// value fall back to Document.Defaults at Build time.
type KernelSpec struct {
	KernelID  string `yaml:"kernelId"`
	Namespace string `yaml:"namespace"`
	TenantID  string `yaml:"tenantId"`
	JobID     string `yaml:"jobId"`

	NeedsPersistence bool `yaml:"needsPersistence"`
	NeedsSnapshots   bool `yaml:"needsSnapshots"`

	MaxConcurrentOperations int  `yaml:"maxConcurrentOperations"`
	EnableEventIdempotency  bool `yaml:"enableEventIdempotency"`
	EnableTenantIsolation   bool `yaml:"enableTenantIsolation"`

	Quotas       *QuotasTuning       `yaml:"quotas"`
	AutoSnapshot *AutoSnapshotTuning `yaml:"autoSnapshot"`

	Queue        *QueueTuning       `yaml:"queue"`
	Registry     *RegistryTuning    `yaml:"registry"`
	ContextStore *ContextTuning     `yaml:"contextStore"`
	Processor    *ProcessorTuning   `yaml:"processor"`
}

// QuotasTuning mirrors kernel.Quotas.
type QuotasTuning struct {
	MaxEvents      int64         `yaml:"maxEvents"`
	MaxDuration    time.Duration `yaml:"maxDuration"`
	MaxMemoryBytes uint64        `yaml:"maxMemoryBytes"`
}

// AutoSnapshotTuning mirrors kernel.AutoSnapshot.
type AutoSnapshotTuning struct {
	Interval      time.Duration `yaml:"interval"`
	EventInterval int64         `yaml:"eventInterval"`
}

// QueueTuning mirrors queue.Config, minus DLQSink which has no YAML
// representation and must be wired programmatically after Build.
type QueueTuning struct {
	Size              int           `yaml:"size"`
	MaxRetries        int           `yaml:"maxRetries"`
	BaseBackoff       time.Duration `yaml:"baseBackoff"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	EnableIdempotency bool          `yaml:"enableIdempotency"`
}

// RegistryTuning mirrors handlers.Config.
type RegistryTuning struct {
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	StaleThreshold  time.Duration `yaml:"staleThreshold"`
}

// ContextTuning mirrors ctxstore.Config.
type ContextTuning struct {
	CacheSize      int           `yaml:"cacheSize"`
	EnableBatching bool          `yaml:"enableBatching"`
	FlushInterval  time.Duration `yaml:"flushInterval"`
}

// ProcessorTuning mirrors processor.Config.
type ProcessorTuning struct {
	MaxEventDepth       int `yaml:"maxEventDepth"`
	MaxEventChainLength int `yaml:"maxEventChainLength"`
	BatchSize           int `yaml:"batchSize"`
}

// RetryTuning mirrors middleware.RetryConfig.
type RetryTuning struct {
	MaxAttempts        int           `yaml:"maxAttempts"`
	BaseBackoff        time.Duration `yaml:"baseBackoff"`
	MaxBackoff         time.Duration `yaml:"maxBackoff"`
	NonRetryableErrors []string      `yaml:"nonRetryableErrors"`
}

// LoopGuardTuning mirrors loopguard.Config.
type LoopGuardTuning struct {
	WindowSize    time.Duration `yaml:"windowSize"`
	MaxEventCount int           `yaml:"maxEventCount"`
	MaxEventRate  float64       `yaml:"maxEventRate"`
}

// CircuitBreakerTuning mirrors loopguard.BreakerConfig.
type CircuitBreakerTuning struct {
	FailureThreshold          int           `yaml:"failureThreshold"`
	FailureRateThreshold      float64       `yaml:"failureRateThreshold"`
	RequestVolumeThreshold    int           `yaml:"requestVolumeThreshold"`
	ResetTimeout              time.Duration `yaml:"resetTimeout"`
	SuccessThreshold          int           `yaml:"successThreshold"`
	SlowCallDurationThreshold time.Duration `yaml:"slowCallDurationThreshold"`
}

// BridgeSpec describes a unidirectional cross-kernel propagation rule.
// Transform functions have no YAML representation; bridges needing one
// must be registered with multikernel.Manager.AddBridge directly after
// Build.
type BridgeSpec struct {
	FromNamespace string `yaml:"fromNamespace"`
	ToNamespace   string `yaml:"toNamespace"`
	EventPattern  string `yaml:"eventPattern"`
	EnableLogging bool   `yaml:"enableLogging"`
}

// Load reads and parses a kernel deployment document from path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals a kernel deployment document from raw YAML.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return &doc, nil
}

// Build converts a parsed Document into the multikernel.KernelSpec and
// multikernel.Bridge values Manager.AddKernelSpec/AddBridge expect,
// applying Document.Defaults wherever a KernelSpec field was left
// unset.
func (d *Document) Build() ([]multikernel.KernelSpec, []multikernel.Bridge, error) {
	specs := make([]multikernel.KernelSpec, 0, len(d.Kernels))
	for _, k := range d.Kernels {
		spec, err := d.buildKernelSpec(k)
		if err != nil {
			return nil, nil, err
		}
		specs = append(specs, spec)
	}

	bridges := make([]multikernel.Bridge, 0, len(d.Bridges))
	for _, b := range d.Bridges {
		bridges = append(bridges, multikernel.Bridge{
			FromNamespace: stringKernel(b.FromNamespace),
			ToNamespace:   stringKernel(b.ToNamespace),
			EventPattern:  b.EventPattern,
			EnableLogging: b.EnableLogging,
		})
	}

	return specs, bridges, nil
}

func (d *Document) buildKernelSpec(k KernelSpec) (multikernel.KernelSpec, error) {
	if k.KernelID == "" {
		return multikernel.KernelSpec{}, fmt.Errorf("config: kernel spec missing kernelId")
	}

	queueCfg := mergeQueue(d.Defaults.Queue, k.Queue)
	registryCfg := mergeRegistry(d.Defaults.Registry, k.Registry)
	ctxCfg := mergeContext(d.Defaults.ContextStore, k.ContextStore)
	procCfg := mergeProcessor(d.Defaults.Processor, k.Processor)

	var mws []middleware.Middleware
	if rc := d.Defaults.Retry; rc.MaxAttempts > 0 {
		mws = append(mws, middleware.NewRetry(middleware.RetryConfig{
			MaxAttempts:        rc.MaxAttempts,
			BaseBackoff:        rc.BaseBackoff,
			MaxBackoff:         rc.MaxBackoff,
			NonRetryableErrors: rc.NonRetryableErrors,
		}))
	}

	kcfg := kernel.Config{
		TenantID:                k.TenantID,
		JobID:                   k.JobID,
		MaxConcurrentOperations: k.MaxConcurrentOperations,
		EnableEventIdempotency:  k.EnableEventIdempotency,
		EnableTenantIsolation:   k.EnableTenantIsolation,
		QueueConfig: queue.Config{
			Size:              queueCfg.Size,
			MaxRetries:        queueCfg.MaxRetries,
			BaseBackoff:       queueCfg.BaseBackoff,
			MaxBackoff:        queueCfg.MaxBackoff,
			EnableIdempotency: queueCfg.EnableIdempotency,
		},
		RegistryConfig: handlers.Config{
			CleanupInterval: registryCfg.CleanupInterval,
			StaleThreshold:  registryCfg.StaleThreshold,
		},
		ContextConfig: ctxstore.Config{
			CacheSize:      ctxCfg.CacheSize,
			EnableBatching: ctxCfg.EnableBatching,
			FlushInterval:  ctxCfg.FlushInterval,
		},
		ProcessorConfig: processor.Config{
			MaxEventDepth:       procCfg.MaxEventDepth,
			MaxEventChainLength: procCfg.MaxEventChainLength,
			BatchSize:           procCfg.BatchSize,
		},
		Middlewares:    mws,
		LoopGuard:      d.LoopGuardConfig(),
		CircuitBreaker: d.CircuitBreakerConfig(),
	}

	if k.Quotas != nil {
		kcfg.Quotas.MaxEvents = k.Quotas.MaxEvents
		kcfg.Quotas.MaxDuration = k.Quotas.MaxDuration
		kcfg.Quotas.MaxMemoryBytes = k.Quotas.MaxMemoryBytes
	}
	if k.AutoSnapshot != nil {
		kcfg.AutoSnapshot.Interval = k.AutoSnapshot.Interval
		kcfg.AutoSnapshot.EventInterval = k.AutoSnapshot.EventInterval
	}

	return multikernel.KernelSpec{
		KernelID:         k.KernelID,
		Namespace:        stringKernel(k.Namespace),
		TenantID:         k.TenantID,
		NeedsPersistence: k.NeedsPersistence,
		NeedsSnapshots:   k.NeedsSnapshots,
		Config:           kcfg,
	}, nil
}

// LoopGuardConfig resolves the loopguard.Config this document's
// defaults describe, for callers wiring a LoopProtector alongside a
// kernel built from this document.
func (d *Document) LoopGuardConfig() loopguard.Config {
	lg := d.Defaults.LoopGuard
	return loopguard.Config{
		WindowSize:    lg.WindowSize,
		MaxEventCount: lg.MaxEventCount,
		MaxEventRate:  lg.MaxEventRate,
	}
}

// CircuitBreakerConfig resolves the loopguard.BreakerConfig this
// document's defaults describe.
func (d *Document) CircuitBreakerConfig() loopguard.BreakerConfig {
	cb := d.Defaults.CircuitBreaker
	return loopguard.BreakerConfig{
		FailureThreshold:          cb.FailureThreshold,
		FailureRateThreshold:      cb.FailureRateThreshold,
		RequestVolumeThreshold:    cb.RequestVolumeThreshold,
		ResetTimeout:              cb.ResetTimeout,
		SuccessThreshold:          cb.SuccessThreshold,
		SlowCallDurationThreshold: cb.SlowCallDurationThreshold,
	}
}

func stringKernel(s string) event.Kernel { return event.Kernel(s) }

func mergeQueue(def QueueTuning, override *QueueTuning) QueueTuning {
	if override == nil {
		return def
	}
	out := def
	if override.Size != 0 {
		out.Size = override.Size
	}
	if override.MaxRetries != 0 {
		out.MaxRetries = override.MaxRetries
	}
	if override.BaseBackoff != 0 {
		out.BaseBackoff = override.BaseBackoff
	}
	if override.MaxBackoff != 0 {
		out.MaxBackoff = override.MaxBackoff
	}
	out.EnableIdempotency = override.EnableIdempotency || def.EnableIdempotency
	return out
}

func mergeRegistry(def RegistryTuning, override *RegistryTuning) RegistryTuning {
	if override == nil {
		return def
	}
	out := def
	if override.CleanupInterval != 0 {
		out.CleanupInterval = override.CleanupInterval
	}
	if override.StaleThreshold != 0 {
		out.StaleThreshold = override.StaleThreshold
	}
	return out
}

func mergeContext(def ContextTuning, override *ContextTuning) ContextTuning {
	if override == nil {
		return def
	}
	out := def
	if override.CacheSize != 0 {
		out.CacheSize = override.CacheSize
	}
	out.EnableBatching = override.EnableBatching || def.EnableBatching
	if override.FlushInterval != 0 {
		out.FlushInterval = override.FlushInterval
	}
	return out
}

func mergeProcessor(def ProcessorTuning, override *ProcessorTuning) ProcessorTuning {
	if override == nil {
		return def
	}
	out := def
	if override.MaxEventDepth != 0 {
		out.MaxEventDepth = override.MaxEventDepth
	}
	if override.MaxEventChainLength != 0 {
		out.MaxEventChainLength = override.MaxEventChainLength
	}
	if override.BatchSize != 0 {
		out.BatchSize = override.BatchSize
	}
	return out
}
