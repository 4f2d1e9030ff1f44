package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jam-duna/x86emu/checkpoint"
	"github.com/jam-duna/x86emu/emu"
	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/log"
	"github.com/jam-duna/x86emu/timing"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const recorderWindow = 10000

// options are the flags shared by run and debug.
type options struct {
	configPath string
	cfg        emu.Config
}

func (o *options) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&o.configPath, "config", "", "JSON config file; flags override its values")
	f.Uint64Var(&o.cfg.MaxInstructions, "max-inst", 0, "stop after this many instructions (0 = no limit)")
	f.BoolVar(&o.cfg.UopActive, "uop", false, "emit micro-ops for every instruction")
	f.StringVar(&o.cfg.StdinFile, "stdin", "", "file backing guest stdin")
	f.StringVar(&o.cfg.StdoutFile, "stdout", "", "file backing guest stdout and stderr")
	f.StringVar(&o.cfg.Cwd, "cwd", "", "guest working directory")
	f.StringVar(&o.cfg.LogLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	f.StringVar(&o.cfg.LogModules, "debug", "", "comma separated log modules to enable, or \"all\"")
	f.StringVar(&o.cfg.LogFile, "log-file", "", "also write log records to this file as plain lines")
	f.StringVar(&o.cfg.CheckpointDir, "checkpoint-dir", "", "LevelDB directory for context snapshots")
	f.StringVar(&o.cfg.UopStreamAddr, "uop-stream", "", "serve micro-ops over websocket at this address")
	f.StringVar(&o.cfg.ChartFile, "chart", "", "write an HTML micro-op report to this file")
	f.StringVar(&o.cfg.OTLPEndpoint, "otlp-endpoint", "", "OTLP/HTTP endpoint for tracing spans")
	f.StringVar(&o.cfg.EventLogFile, "event-log", "", "write structured context events to this file")
}

// resolve merges the config file with the flags that were set explicitly.
func (o *options) resolve(cmd *cobra.Command) (emu.Config, error) {
	if o.configPath == "" {
		return o.cfg, nil
	}
	cfg, err := emu.LoadConfig(o.configPath)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("max-inst", func() { cfg.MaxInstructions = o.cfg.MaxInstructions })
	set("uop", func() { cfg.UopActive = o.cfg.UopActive })
	set("stdin", func() { cfg.StdinFile = o.cfg.StdinFile })
	set("stdout", func() { cfg.StdoutFile = o.cfg.StdoutFile })
	set("cwd", func() { cfg.Cwd = o.cfg.Cwd })
	set("log-level", func() { cfg.LogLevel = o.cfg.LogLevel })
	set("debug", func() { cfg.LogModules = o.cfg.LogModules })
	set("log-file", func() { cfg.LogFile = o.cfg.LogFile })
	set("checkpoint-dir", func() { cfg.CheckpointDir = o.cfg.CheckpointDir })
	set("uop-stream", func() { cfg.UopStreamAddr = o.cfg.UopStreamAddr })
	set("chart", func() { cfg.ChartFile = o.cfg.ChartFile })
	set("otlp-endpoint", func() { cfg.OTLPEndpoint = o.cfg.OTLPEndpoint })
	set("event-log", func() { cfg.EventLogFile = o.cfg.EventLogFile })
	return cfg, nil
}

// session is an emulator wired to the outputs named in its config.
type session struct {
	cfg      emu.Config
	e        *emu.Emulator
	recorder *timing.Recorder
	store    *checkpoint.Store
	closers  []func()
}

func newSession(ctx context.Context, cfg emu.Config) (*session, error) {
	s := &session{cfg: cfg}
	if cfg.LogFile != "" {
		f, err := os.Create(cfg.LogFile)
		if err != nil {
			return nil, err
		}
		log.InitLoggerMirror(cfg.LogLevel, f)
		s.closers = append(s.closers, func() {
			log.InitLogger(cfg.LogLevel)
			f.Close()
		})
	} else {
		log.InitLogger(cfg.LogLevel)
	}
	log.EnableModules(cfg.LogModules)
	if cfg.ChartFile != "" || cfg.UopStreamAddr != "" {
		cfg.UopActive = true
		s.cfg.UopActive = true
	}
	s.e = emu.NewEmulator(cfg)

	if cfg.EventLogFile != "" {
		f, err := os.Create(cfg.EventLogFile)
		if err != nil {
			s.close()
			return nil, err
		}
		log.SetEventWriter(f)
		s.closers = append(s.closers, func() {
			log.SetEventWriter(nil)
			f.Close()
		})
	}

	var stdin, stdout *os.File
	if cfg.StdinFile != "" {
		f, err := os.Open(cfg.StdinFile)
		if err != nil {
			s.close()
			return nil, err
		}
		stdin = f
		s.closers = append(s.closers, func() { f.Close() })
	}
	if cfg.StdoutFile != "" {
		f, err := os.Create(cfg.StdoutFile)
		if err != nil {
			s.close()
			return nil, err
		}
		stdout = f
		s.closers = append(s.closers, func() { f.Close() })
	}
	s.e.SetStdio(stdin, stdout)

	if cfg.OTLPEndpoint != "" {
		exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			s.close()
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		s.e.Tp = tp
		s.e.SendTrace = true
		s.closers = append(s.closers, func() { tp.Shutdown(context.Background()) })
	}

	if cfg.UopActive {
		s.recorder = timing.NewRecorder(recorderWindow)
		sinks := timing.MultiSink{s.recorder}
		if cfg.UopStreamAddr != "" {
			ws := timing.NewWebsocketSink(4096)
			go func() {
				if err := timing.Serve(ctx, cfg.UopStreamAddr, ws); err != nil {
					log.Error(log.TimingMonitoring, "uop stream", "err", err)
				}
			}()
			sinks = append(sinks, ws)
		}
		s.e.Sink = sinks
	}

	if cfg.CheckpointDir != "" {
		store, err := checkpoint.Open(cfg.CheckpointDir)
		if err != nil {
			s.close()
			return nil, err
		}
		s.store = store
		s.closers = append(s.closers, func() { store.Close() })
	}
	return s, nil
}

func (s *session) load(args []string) (*emu.Context, error) {
	env := s.cfg.Env
	if len(env) == 0 {
		env = os.Environ()
	}
	return s.e.LoadProgram(args, env, s.cfg.Cwd)
}

// report prints the run statistics and writes the chart.
func (s *session) report() {
	s.e.DumpStats(os.Stderr)
	if s.recorder == nil {
		return
	}
	s.recorder.Dump(os.Stderr)
	if s.cfg.ChartFile != "" {
		if err := timing.WriteChartFile(s.cfg.ChartFile, s.recorder); err != nil {
			log.Error(log.TimingMonitoring, "chart", "err", err)
		}
	}
}

// close releases outputs in reverse order of creation.
func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func newRunCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "run [flags] -- program [args...]",
		Short: "Run a program to completion",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config: %v\n", err)
				os.Exit(1)
			}
			os.Exit(run(cfg, args))
		},
	}
	opts.bind(cmd)
	return cmd
}

func run(cfg emu.Config, args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newSession(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "x86emu: %v\n", err)
		return 1
	}
	defer s.close()

	c, err := s.load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "x86emu: %v\n", err)
		return 1
	}
	if s.store != nil {
		if _, err := s.store.Save("start", c); err != nil {
			log.Warn(log.CheckpointMonitoring, "save start snapshot", "err", err)
		}
	}

	err = s.e.Run(ctx)
	if s.store != nil {
		// Contexts still alive after a limit or interrupt are kept for
		// inspection with "checkpoint diff".
		for _, c := range s.e.Contexts() {
			if _, err := s.store.Save(fmt.Sprintf("final-%d", c.Pid()), c); err != nil {
				log.Warn(log.CheckpointMonitoring, "save final snapshot", "pid", c.Pid(), "err", err)
			}
		}
	}
	s.report()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "x86emu: interrupted")
			return 130
		}
		fmt.Fprintf(os.Stderr, "x86emu: %v\n", err)
		if errors.Is(err, emuerrors.ErrGeneralEmulation) {
			fmt.Fprintln(os.Stderr, s.e.DumpTree(true))
		}
		return 1
	}
	return s.e.ExitCode()
}
