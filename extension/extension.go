package extension

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/exthost/errors"
)

// Config holds configuration for loading an extension.
type Config struct {
	Logger *zap.Logger

	// Name identifies the extension in errors and logs.
	Name string

	// ABIConstraint is the semantic version constraint the extension's ABI
	// section must satisfy. Empty means DefaultABIConstraint.
	ABIConstraint string

	// WIT optionally describes exported functions. Without it, signatures
	// come from the core function types.
	WIT string

	// MemoryLimitPages caps each instance's memory in 64KB pages. 0 means the
	// wazero default.
	MemoryLimitPages uint32
}

// Extension is a compiled extension module. It is safe for concurrent use;
// the instances it creates are not.
type Extension struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	host     api.Module
	sigs     map[string]*Signature
	abi      *semver.Version
	logger   *zap.Logger
	name     string
	seq      atomic.Uint64
}

// Load compiles wasmBytes, checks its ABI version and resolves the
// signatures of its exports.
func Load(ctx context.Context, wasmBytes []byte, cfg *Config) (*Extension, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	name := cfg.Name
	if name == "" {
		name = "extension"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	runtimeCfg := wazero.NewRuntimeConfig().WithCustomSections(true)
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	ext, err := load(ctx, rt, wasmBytes, name, cfg)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	ext.logger = logger.With(zap.String("extension", name))
	ext.logger.Info("extension loaded",
		zap.String("abi", ext.abi.String()),
		zap.Int("exports", len(ext.sigs)))
	return ext, nil
}

func load(ctx context.Context, rt wazero.Runtime, wasmBytes []byte, name string, cfg *Config) (*Extension, error) {
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Load("compile extension", err)
	}

	abi, err := checkABI(compiled, name, cfg.ABIConstraint)
	if err != nil {
		return nil, err
	}

	sigs, err := resolveSignatures(compiled.ExportedFunctions(), cfg.WIT)
	if err != nil {
		return nil, err
	}

	ext := &Extension{
		runtime:  rt,
		compiled: compiled,
		sigs:     sigs,
		abi:      abi,
		name:     name,
	}
	if ext.host, err = ext.instantiateHostModule(ctx); err != nil {
		return nil, errors.Instantiation(err)
	}
	return ext, nil
}

// resolveSignatures pairs every callable export with a signature, preferring
// the WIT description when one is given.
func resolveSignatures(exports map[string]api.FunctionDefinition, witText string) (map[string]*Signature, error) {
	var declared map[string]*Signature
	if strings.TrimSpace(witText) != "" {
		var err error
		if declared, err = parseWIT(witText); err != nil {
			return nil, err
		}
	}

	sigs := make(map[string]*Signature, len(exports))
	for name, def := range exports {
		if strings.HasPrefix(name, reservedPrefix) {
			continue
		}
		if sig, ok := declared[name]; ok {
			if err := matchCore(sig, def); err != nil {
				return nil, err
			}
			sigs[name] = sig
			continue
		}
		sig, err := coreSignature(name, def)
		if err != nil {
			return nil, err
		}
		sigs[name] = sig
	}

	for name := range declared {
		if _, ok := sigs[name]; !ok {
			return nil, errors.NotFound(errors.PhaseLoad, "declared export", name)
		}
	}
	return sigs, nil
}

// Name returns the extension name.
func (e *Extension) Name() string { return e.name }

// ABIVersion returns the ABI version the extension declares.
func (e *Extension) ABIVersion() string { return e.abi.String() }

// Exports returns the callable functions, ordered by name.
func (e *Extension) Exports() []*Signature {
	return sortedSignatures(e.sigs)
}

// Signature returns the signature of an exported function.
func (e *Extension) Signature(name string) (*Signature, bool) {
	sig, ok := e.sigs[name]
	return sig, ok
}

// NewInstance instantiates the extension. Each worker owns one instance.
func (e *Extension) NewInstance(ctx context.Context) (*Instance, error) {
	name := fmt.Sprintf("%s-%d", e.name, e.seq.Add(1))
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, errors.Instantiation(err)
	}

	base := context.WithoutCancel(ctx)
	inst := &Instance{
		ext:  e,
		mod:  mod,
		ctx:  base,
		name: name,
		alloc: &guestAllocator{
			ctx:   base,
			alloc: mod.ExportedFunction(exportAlloc),
			free:  mod.ExportedFunction(exportFree),
		},
	}
	if mem := mod.Memory(); mem != nil {
		inst.mem = &guestMemory{mem: mem}
	}
	e.logger.Debug("instance created", zap.String("instance", name))
	return inst, nil
}

// Close releases the compiled module, the host module and every instance
// still open.
func (e *Extension) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}
