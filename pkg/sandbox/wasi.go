package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasiConfig mirrors SandboxConfig: hard resource ceilings enforced by
// the wazero runtime itself, not by cooperative code inside the guest
// module.
type WasiConfig struct {
	MemoryLimitBytes int64
	CPUTimeLimit     time.Duration
}

// OutputMaxBytes bounds combined stdout+stderr from one confined run.
const OutputMaxBytes = 1024 * 1024

// WasiRuntime confines capsule actions expressed as WASM modules using
// wazero, deny-by-default: no filesystem, no network, stdin/stdout only.
type WasiRuntime struct {
	runtime wazero.Runtime
	config  WasiConfig
}

// NewWasiRuntime creates the shared wazero runtime for L3/L4 confinement.
func NewWasiRuntime(ctx context.Context, config WasiConfig) (*WasiRuntime, error) {
	rConfig := wazero.NewRuntimeConfig()
	if config.MemoryLimitBytes > 0 {
		pages := uint32(config.MemoryLimitBytes / 65536)
		if pages == 0 {
			pages = 1
		}
		rConfig = rConfig.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("sandbox: instantiate WASI: %w", err)
	}
	return &WasiRuntime{runtime: r, config: config}, nil
}

// Run compiles and executes one WASM module against input, capturing
// stdout. trace adds stderr's length to the output-size check; in both
// modes only stdout is returned and stderr is not kept.
func (w *WasiRuntime) Run(ctx context.Context, wasmModule, input []byte, trace bool) ([]byte, error) {
	execCtx := ctx
	if w.config.CPUTimeLimit > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, w.config.CPUTimeLimit)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("efm-capsule-confinement")

	compiled, err := w.runtime.CompileModule(execCtx, wasmModule)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile module: %w", err)
	}
	defer func() { _ = compiled.Close(execCtx) }()

	mod, err := w.runtime.InstantiateModule(execCtx, compiled, moduleConfig)
	if err != nil {
		if execCtx.Err() != nil {
			return nil, &ConfinementError{Code: ErrComputeTimeExhausted, Message: fmt.Sprintf("confinement exceeded time limit (%s)", w.config.CPUTimeLimit)}
		}
		if isMemoryError(err) {
			return nil, &ConfinementError{Code: ErrComputeMemoryExhausted, Message: fmt.Sprintf("confinement exceeded memory limit (%d bytes)", w.config.MemoryLimitBytes)}
		}
		return nil, fmt.Errorf("sandbox: confined execution failed: %w", err)
	}
	defer func() { _ = mod.Close(execCtx) }()

	total := stdout.Len()
	if trace {
		total += stderr.Len()
	}
	if total > OutputMaxBytes {
		return nil, &ConfinementError{Code: ErrComputeOutputExhausted, Message: fmt.Sprintf("output size %d exceeds limit %d", total, OutputMaxBytes)}
	}

	return stdout.Bytes(), nil
}

// Close releases the wazero runtime.
func (w *WasiRuntime) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

const (
	ErrComputeTimeExhausted   = "ERR_COMPUTE_TIME_EXHAUSTED"
	ErrComputeMemoryExhausted = "ERR_COMPUTE_MEMORY_EXHAUSTED"
	ErrComputeOutputExhausted = "ERR_COMPUTE_OUTPUT_EXHAUSTED"
)

// ConfinementError is a deterministic, typed sandbox limit violation.
type ConfinementError struct {
	Code    string
	Message string
}

func (e *ConfinementError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func isMemoryError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "memory") && (strings.Contains(msg, "limit") || strings.Contains(msg, "grow") || strings.Contains(msg, "exceeded"))
}
