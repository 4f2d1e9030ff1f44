package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	EmuMonitoring        = "emu_mod"  // Scheduler and event processing
	ContextMonitoring    = "ctx_mod"  // Context state changes
	SyscallMonitoring    = "sys_mod"  // System calls
	IsaMonitoring        = "isa_mod"  // Per-instruction trace
	UopMonitoring        = "uop_mod"  // Micro-instruction stream
	CallMonitoring       = "call_mod" // Guest call/ret trace
	LoaderMonitoring     = "ld_mod"   // Program loader
	TimingMonitoring     = "tm_mod"   // Micro-op sinks and reports
	CheckpointMonitoring = "ckpt_mod" // Context snapshots
)

var root atomic.Value

func init() {
	root.Store(&logger{slog.New(DiscardHandler()), nil})
}

func ParseLevel(lvl string) (slog.Level, error) {
	switch strings.ToUpper(lvl) {
	case "MAX", "MAXVERBOSITY":
		return levelMaxVerbosity, nil
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "CRIT", "CRITICAL":
		return LevelCrit, nil
	default:
		return 0, fmt.Errorf("invalid level: %s", lvl)
	}
}

func mustParseLevel(logLevel string) slog.Level {
	logLvl, err := ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logLvl
}

// InitLogger installs a colored stderr logger at the given level.
func InitLogger(logLevel string) {
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(os.Stderr, mustParseLevel(logLevel), true)))
}

// InitLoggerMirror is InitLogger plus a plain-text copy of every record to w.
func InitLoggerMirror(logLevel string, w io.Writer) {
	SetDefault(NewMirrorLogger(NewTerminalHandlerWithLevel(os.Stderr, mustParseLevel(logLevel), true), w))
}

// SetDefault sets the default global logger
func SetDefault(l Logger) {
	root.Store(l)
	if lg, ok := l.(*logger); ok {
		slog.SetDefault(lg.inner)
	}
}

// Root returns the root logger
func Root() Logger {
	return root.Load().(Logger)
}

var knownModules = []string{
	EmuMonitoring,
	ContextMonitoring,
	SyscallMonitoring,
	IsaMonitoring,
	UopMonitoring,
	CallMonitoring,
	LoaderMonitoring,
	TimingMonitoring,
	CheckpointMonitoring,
}

// Host helper goroutines log too, so the map is guarded.
var (
	moduleMu      sync.RWMutex
	moduleEnabled = initModules(knownModules)
)

func initModules(moduleList []string) map[string]bool {
	moduleMap := make(map[string]bool, len(moduleList))
	for _, module := range moduleList {
		moduleMap[module] = false
	}
	return moduleMap
}

// KnownModules returns the names accepted by EnableModule.
func KnownModules() []string {
	out := make([]string, len(knownModules))
	copy(out, knownModules)
	return out
}

// EnableModule enables logging for the specified module.
func EnableModule(module string) {
	moduleMu.Lock()
	moduleEnabled[module] = true
	moduleMu.Unlock()
}

// DisableModule disables logging for the specified module.
func DisableModule(module string) {
	moduleMu.Lock()
	moduleEnabled[module] = false
	moduleMu.Unlock()
}

// EnableModules enables a comma separated list of modules. "all" enables
// every known module.
func EnableModules(list string) {
	for _, m := range strings.Split(list, ",") {
		m = strings.TrimSpace(m)
		switch m {
		case "":
		case "all":
			for _, k := range knownModules {
				EnableModule(k)
			}
		default:
			EnableModule(m)
		}
	}
}

// IsModuleEnabled checks if logging is enabled for the given module.
func IsModuleEnabled(module string) bool {
	moduleMu.RLock()
	defer moduleMu.RUnlock()
	enabled, ok := moduleEnabled[module]
	return ok && enabled
}

// Trace and Debug are dropped unless their module is enabled; the other
// levels always reach the handler.

func Trace(module string, msg string, ctx ...interface{}) {
	if IsModuleEnabled(module) {
		Root().Write(LevelTrace, module, msg, append([]interface{}{"module", module}, ctx...)...)
	}
}

func Debug(module string, msg string, ctx ...interface{}) {
	if IsModuleEnabled(module) {
		Root().Write(slog.LevelDebug, module, msg, ctx...)
	}
}

func Info(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelInfo, module, msg, ctx...)
}

func Warn(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelWarn, module, msg, ctx...)
}

func Error(module string, msg string, ctx ...interface{}) {
	Root().Write(slog.LevelError, module, msg, ctx...)
}

func Crit(module string, msg string, ctx ...interface{}) {
	Root().Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}
