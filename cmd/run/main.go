package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/wasm-ffi/internal/wasmbin"
	"github.com/wippyai/wasm-ffi/runtime"
	"github.com/wippyai/wasm-ffi/scheduler"
)

type config struct {
	wasmFile    string
	funcName    string
	args        string
	strategy    scheduler.Strategy
	memoryPages uint
	logLevel    string
	demo        bool
	wasi        bool
	deref       bool
	list        bool
	interactive bool
}

func main() {
	var (
		cfg      config
		strategy string
	)
	flag.StringVar(&cfg.wasmFile, "wasm", "", "Path to core wasm module")
	flag.BoolVar(&cfg.demo, "demo", false, "Run the built-in demo guest instead of -wasm")
	flag.StringVar(&cfg.funcName, "func", "", "Exported function to call")
	flag.StringVar(&cfg.args, "args", "", "Comma-separated numeric arguments")
	flag.StringVar(&strategy, "strategy", "auto", "Scheduler strategy (auto, immediate, import, tasks, channel)")
	flag.UintVar(&cfg.memoryPages, "memory-pages", 0, "Guest memory limit in 64KiB pages (0 = default)")
	flag.StringVar(&cfg.logLevel, "log-level", "warn", "Log level (debug, info, warn, error, off)")
	flag.BoolVar(&cfg.wasi, "wasi", false, "Provide wasi_snapshot_preview1")
	flag.BoolVar(&cfg.deref, "deref", false, "Print the host value behind each i32 result handle")
	flag.BoolVar(&cfg.list, "list", false, "List exported functions and exit")
	flag.BoolVar(&cfg.interactive, "i", false, "Interactive monitor")
	flag.Parse()

	if cfg.wasmFile == "" && !cfg.demo {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <file.wasm> [-func name] [-args 1,2] [-strategy auto]")
		fmt.Fprintln(os.Stderr, "       run -demo -func start -args 3")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -i  (interactive monitor)")
		os.Exit(1)
	}

	s, err := scheduler.ParseStrategy(strategy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.strategy = s

	if cfg.interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "off" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

func readGuest(cfg config) (string, []byte, error) {
	if cfg.demo {
		return "demo", wasmbin.Demo(), nil
	}
	data, err := os.ReadFile(cfg.wasmFile)
	if err != nil {
		return "", nil, fmt.Errorf("read file: %w", err)
	}
	return cfg.wasmFile, data, nil
}

func newRuntime(ctx context.Context, cfg config, log *zap.Logger) (*runtime.Runtime, error) {
	opts := runtime.DefaultOptions()
	opts.Logger = log
	opts.Strategy = cfg.strategy
	opts.MemoryLimitPages = uint32(cfg.memoryPages)
	opts.WASI = cfg.wasi
	opts.Stdout = os.Stdout
	opts.Stderr = os.Stderr
	return runtime.New(ctx, opts)
}

func run(cfg config) error {
	ctx := context.Background()

	log, err := newLogger(cfg.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	name, data, err := readGuest(cfg)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	mod, err := rt.LoadWASM(ctx, data)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	exports := mod.Exports()
	fmt.Printf("Module: %s\n", name)
	fmt.Printf("Imports: %s\n", strings.Join(mod.Imports(), ", "))
	fmt.Printf("\nExported functions:\n")
	for _, e := range exports {
		fmt.Printf("  %s\n", formatExport(e))
	}
	if cfg.list {
		return nil
	}

	inst, err := mod.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}

	funcName := cfg.funcName
	if funcName == "" {
		if cfg.demo {
			funcName = "greet"
		} else {
			fmt.Printf("\nNo function specified. Use -func to call one.\n")
			return nil
		}
	}

	var export *runtime.Export
	for i := range exports {
		if exports[i].Name == funcName {
			export = &exports[i]
		}
	}
	if export == nil {
		return fmt.Errorf("function %q is not exported", funcName)
	}

	args, err := parseArgs(cfg.args, export.Params)
	if err != nil {
		return err
	}

	fmt.Printf("\nCalling %s(%s) with %s strategy...\n", funcName, cfg.args, rt.Bridge().Stats().Strategy)
	results, err := inst.Call(ctx, funcName, args...)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}
	if err := rt.Wait(ctx); err != nil {
		return fmt.Errorf("wait: %w", err)
	}

	for i, r := range results {
		fmt.Printf("Result %d: %s\n", i, formatValue(r, export.Results[i]))
		if cfg.deref && export.Results[i] == api.ValueTypeI32 {
			if v, err := rt.Bridge().Value(api.DecodeI32(r)); err == nil {
				fmt.Printf("  handle %d -> %#v\n", api.DecodeI32(r), v)
			}
		}
	}

	st := rt.Bridge().Stats()
	fmt.Printf("\nTurns: %d  Handles: %d  Finalizers: %d  Released: %d  Turn errors: %d\n",
		st.Turns, st.Handles, st.Finalizers, st.Released, st.TurnErrors)
	return nil
}

// parseArgs converts comma-separated literals to core values of the given
// parameter types.
func parseArgs(s string, params []api.ValueType) ([]uint64, error) {
	var fields []string
	if s != "" {
		fields = strings.Split(s, ",")
	}
	if len(fields) != len(params) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(params), len(fields))
	}

	out := make([]uint64, len(params))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		switch params[i] {
		case api.ValueTypeI32:
			v, err := strconv.ParseInt(f, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = api.EncodeI32(int32(v))
		case api.ValueTypeI64:
			v, err := strconv.ParseInt(f, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = api.EncodeI64(v)
		case api.ValueTypeF32:
			v, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = api.EncodeF32(float32(v))
		case api.ValueTypeF64:
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			out[i] = api.EncodeF64(v)
		default:
			return nil, fmt.Errorf("argument %d: unsupported type %s", i, api.ValueTypeName(params[i]))
		}
	}
	return out, nil
}

func formatValue(v uint64, t api.ValueType) string {
	switch t {
	case api.ValueTypeI32:
		return strconv.FormatInt(int64(api.DecodeI32(v)), 10)
	case api.ValueTypeI64:
		return strconv.FormatInt(int64(v), 10)
	case api.ValueTypeF32:
		return strconv.FormatFloat(float64(api.DecodeF32(v)), 'g', -1, 32)
	case api.ValueTypeF64:
		return strconv.FormatFloat(math.Float64frombits(v), 'g', -1, 64)
	default:
		return fmt.Sprintf("%#x", v)
	}
}

func formatExport(e runtime.Export) string {
	params := make([]string, len(e.Params))
	for i, p := range e.Params {
		params[i] = api.ValueTypeName(p)
	}
	result := ""
	if len(e.Results) > 0 {
		results := make([]string, len(e.Results))
		for i, r := range e.Results {
			results[i] = api.ValueTypeName(r)
		}
		result = " -> " + strings.Join(results, ", ")
	}
	return e.Name + "(" + strings.Join(params, ", ") + ")" + result
}
