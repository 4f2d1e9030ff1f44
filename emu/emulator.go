package emu

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jam-duna/x86emu/common"
	"github.com/jam-duna/x86emu/emuerrors"
	"github.com/jam-duna/x86emu/log"
	"github.com/jam-duna/x86emu/uop"
	"github.com/xlab/treeprint"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/slices"
)

const firstPid = 100

type listKind int

const (
	listRunning listKind = iota
	listSuspended
	listZombie
	listFinished
	listCount
)

// UopSink receives the micro-ops of every executed instruction. It stands in
// for the timing model.
type UopSink interface {
	Consume(pid int, eip uint32, uops []*uop.Uop)
}

// Emulator owns every context, keeps the running, suspended, zombie and
// finished sets consistent with context state, and drives execution.
type Emulator struct {
	cfg Config

	contexts map[int]*Context
	order    []*Context
	lists    [listCount][]*Context

	// scheduleSignal is only touched by the main loop.
	scheduleSignal bool

	// mu guards processEventsForce and every context's helper markers. It is
	// never held while a handler, wake action or host wait runs.
	mu                 sync.Mutex
	processEventsForce bool
	processing         bool
	wake               chan struct{}

	nextPid      int
	futexSleep   uint64
	instructions uint64
	maxRunning   int
	created      int

	timerRunning bool
	timerStart   time.Time
	timerTotal   time.Duration

	Stream *uop.Stream
	Sink   UopSink

	Tp        trace.TracerProvider
	SendTrace bool

	stdin  *os.File
	stdout *os.File

	exitCode int
	mainPid  int

	Now func() time.Time
}

func NewEmulator(cfg Config) *Emulator {
	return &Emulator{
		cfg:      cfg,
		contexts: make(map[int]*Context),
		wake:     make(chan struct{}, 1),
		nextPid:  firstPid,
		Stream:   uop.NewStream(cfg.UopActive),
		stdin:    os.Stdin,
		stdout:   os.Stdout,
		Now:      time.Now,
	}
}

func (e *Emulator) Config() Config {
	return e.cfg
}

// SetStdio replaces the host files backing guest descriptors 0, 1 and 2 of
// contexts created afterwards.
func (e *Emulator) SetStdio(stdin, stdout *os.File) {
	if stdin != nil {
		e.stdin = stdin
	}
	if stdout != nil {
		e.stdout = stdout
	}
}

// NewContext creates an empty context in the Running state.
func (e *Emulator) NewContext() *Context {
	c := newContext(e, e.nextPid)
	e.nextPid++
	e.created++
	e.contexts[c.pid] = c
	e.order = append(e.order, c)
	if e.mainPid == 0 {
		e.mainPid = c.pid
	}
	c.UpdateState(c.state)
	log.Debug(log.ContextMonitoring, "context created", "pid", c.pid)
	return c
}

// GetContext returns the live context with the given pid, or nil.
func (e *Emulator) GetContext(pid int) *Context {
	return e.contexts[pid]
}

// Contexts returns every live context in creation order.
func (e *Emulator) Contexts() []*Context {
	return slices.Clone(e.order)
}

func (e *Emulator) Running() []*Context   { return slices.Clone(e.lists[listRunning]) }
func (e *Emulator) Suspended() []*Context { return slices.Clone(e.lists[listSuspended]) }
func (e *Emulator) Zombies() []*Context   { return slices.Clone(e.lists[listZombie]) }
func (e *Emulator) Finished() []*Context  { return slices.Clone(e.lists[listFinished]) }

func (e *Emulator) NumRunning() int { return len(e.lists[listRunning]) }

// RemoveContext drops c from the directory and from every set.
func (e *Emulator) RemoveContext(c *Context) {
	c.HostThreadSuspendCancel()
	c.HostThreadTimerCancel()
	for k := listKind(0); k < listCount; k++ {
		e.updateList(k, c, false)
	}
	delete(e.contexts, c.pid)
	if i := slices.Index(e.order, c); i >= 0 {
		e.order = slices.Delete(e.order, i, i+1)
	}
	log.Debug(log.ContextMonitoring, "context removed", "pid", c.pid)
}

func (e *Emulator) updateList(kind listKind, c *Context, present bool) {
	if c.inList[kind] == present {
		return
	}
	c.inList[kind] = present
	if present {
		e.lists[kind] = append(e.lists[kind], c)
		if kind == listRunning && len(e.lists[kind]) > e.maxRunning {
			e.maxRunning = len(e.lists[kind])
		}
		return
	}
	if i := slices.Index(e.lists[kind], c); i >= 0 {
		e.lists[kind] = slices.Delete(e.lists[kind], i, i+1)
	}
}

func (e *Emulator) startTimer() {
	if !e.timerRunning {
		e.timerRunning = true
		e.timerStart = e.Now()
	}
}

func (e *Emulator) stopTimer() {
	if e.timerRunning {
		e.timerRunning = false
		e.timerTotal += e.Now().Sub(e.timerStart)
	}
}

// TimerRunning reports whether emulated time is advancing.
func (e *Emulator) TimerRunning() bool {
	return e.timerRunning
}

// RunningTime is the wall time during which at least one context ran.
func (e *Emulator) RunningTime() time.Duration {
	if e.timerRunning {
		return e.timerTotal + e.Now().Sub(e.timerStart)
	}
	return e.timerTotal
}

// ScheduleSignal reports and clears the reschedule flag.
func (e *Emulator) ScheduleSignal() bool {
	s := e.scheduleSignal
	e.scheduleSignal = false
	return s
}

// ProcessEventsSchedule requests an event pass.
func (e *Emulator) ProcessEventsSchedule() {
	e.mu.Lock()
	e.processEventsScheduleLocked()
	e.mu.Unlock()
}

func (e *Emulator) processEventsScheduleLocked() {
	e.processEventsForce = true
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Emulator) nextFutexSleep() uint64 {
	e.futexSleep++
	return e.futexSleep
}

// Instructions is the number of guest instructions executed.
func (e *Emulator) Instructions() uint64 {
	return e.instructions
}

// ExitCode is the exit code of the first loaded context.
func (e *Emulator) ExitCode() int {
	return e.exitCode
}

func (e *Emulator) tracer() trace.Tracer {
	if !e.SendTrace || e.Tp == nil {
		return nil
	}
	return e.Tp.Tracer("EmulatorTracer")
}

// ProcessEvents runs an event pass if one was requested: suspended contexts
// whose wake condition holds are woken, waiting contexts without a live
// host helper get one, and pending signals are delivered to running
// contexts. A pass requested while one is in progress runs on the next call.
func (e *Emulator) ProcessEvents() {
	e.mu.Lock()
	if !e.processEventsForce || e.processing {
		e.mu.Unlock()
		return
	}
	e.processEventsForce = false
	e.processing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.processing = false
		e.mu.Unlock()
	}()

	if tr := e.tracer(); tr != nil {
		_, span := tr.Start(context.Background(), "ProcessEvents",
			trace.WithAttributes(attribute.Int("suspended", len(e.lists[listSuspended]))))
		defer span.End()
	}

	for _, c := range slices.Clone(e.lists[listSuspended]) {
		// Contexts may be woken or finished by an earlier wake action.
		if !c.inList[listSuspended] || c.state&StateCallback == 0 {
			continue
		}
		if c.hostSuspendActive() {
			continue
		}
		if c.CanWakeup() {
			// A default signal action may have finished the context.
			if c.state&StateSuspended != 0 {
				c.Wakeup()
			}
			continue
		}
		if p, ok := c.wait.(Pollable); ok {
			c.launchHostSuspend(p)
		}
	}

	e.checkTimers()

	for _, c := range slices.Clone(e.lists[listRunning]) {
		if c.inList[listRunning] && c.state&StateSpecMode == 0 {
			c.CheckSignalHandler()
		}
	}
}

func (e *Emulator) helpersActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.processEventsForce {
		return true
	}
	for _, c := range e.lists[listSuspended] {
		if c.hostSuspend != nil || c.hostTimer != nil {
			return true
		}
	}
	return false
}

// Tick executes one instruction on every running context, in creation
// order, then runs the event pass.
func (e *Emulator) Tick() error {
	for _, c := range slices.Clone(e.lists[listRunning]) {
		if !c.inList[listRunning] {
			continue
		}
		if err := c.Step(); err != nil {
			return err
		}
		if e.Stream.Active {
			uops := e.Stream.Drain()
			if e.Sink != nil {
				e.Sink.Consume(c.pid, c.currentEip, uops)
			}
		}
	}
	e.ProcessEvents()
	return nil
}

func (e *Emulator) freeFinished() {
	for _, c := range slices.Clone(e.lists[listFinished]) {
		if c.pid == e.mainPid {
			e.exitCode = c.exitCode
		}
		e.RemoveContext(c)
	}
}

// Run executes until every context has finished, the instruction limit is
// reached or ctx is cancelled. It returns the first propagated fault.
func (e *Emulator) Run(ctx context.Context) (err error) {
	if tr := e.tracer(); tr != nil {
		var span trace.Span
		ctx, span = tr.Start(ctx, "Emulator.Run")
		defer func() {
			span.SetAttributes(attribute.Int64("instructions", int64(e.instructions)))
			if err != nil {
				span.RecordError(err)
			}
			span.End()
		}()
	}
	log.Info(log.EmuMonitoring, "Run: starting", "contexts", len(e.contexts))

	for {
		e.freeFinished()
		if len(e.contexts) == 0 {
			break
		}
		if e.cfg.MaxInstructions > 0 && e.instructions >= e.cfg.MaxInstructions {
			log.Info(log.EmuMonitoring, "Run: instruction limit reached", "instructions", e.instructions)
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if len(e.lists[listRunning]) > 0 {
			if err := e.Tick(); err != nil {
				return err
			}
			continue
		}

		if len(e.lists[listSuspended]) == 0 {
			// Only zombies whose parents are gone or suspended remain.
			break
		}
		if !e.helpersActive() {
			return fmt.Errorf("%w: every context is suspended with no pending host event", emuerrors.ErrGeneralEmulation)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		case <-time.After(50 * time.Millisecond):
		}
		e.ProcessEvents()
	}
	e.stopTimer()
	log.Info(log.EmuMonitoring, "Run: finished", "instructions", e.instructions, "exit_code", e.exitCode)
	return nil
}

func stateColor(s State) string {
	switch {
	case s&StateRunning != 0:
		return common.ColorGreen
	case s&StateSuspended != 0:
		return common.ColorYellow
	case s&StateZombie != 0:
		return common.ColorMagenta
	case s&StateFinished != 0:
		return common.ColorGray
	}
	return common.ColorBrightWhite
}

// DumpTree renders the process hierarchy, colored by state when color is
// set.
func (e *Emulator) DumpTree(color bool) string {
	tree := treeprint.New()
	tree.SetValue("emulator")
	var add func(branch treeprint.Tree, c *Context)
	add = func(branch treeprint.Tree, c *Context) {
		label := fmt.Sprintf("pid %d %s eip=0x%x", c.pid, c.state, c.regs.Eip)
		if color {
			label = common.Colorize(stateColor(c.state), label)
		}
		node := branch.AddBranch(label)
		for _, child := range e.order {
			if child.parentPid == c.pid {
				add(node, child)
			}
		}
	}
	for _, c := range e.order {
		if c.parentPid == 0 || e.contexts[c.parentPid] == nil {
			add(tree, c)
		}
	}
	return tree.String()
}

// Stats summarizes a run.
type Stats struct {
	Instructions    uint64            `json:"instructions"`
	ContextsCreated int               `json:"contexts_created"`
	MaxRunning      int               `json:"max_running"`
	RunningTime     time.Duration     `json:"running_time"`
	Uops            map[string]uint64 `json:"uops,omitempty"`
}

func (e *Emulator) Stats() Stats {
	s := Stats{
		Instructions:    e.instructions,
		ContextsCreated: e.created,
		MaxRunning:      e.maxRunning,
		RunningTime:     e.RunningTime(),
	}
	if e.Stream.Active {
		s.Uops = make(map[string]uint64)
		for op, n := range e.Stream.Counts() {
			s.Uops[op.String()] += n
		}
	}
	return s
}

// DumpStats writes the run summary in the "key = value" form.
func (e *Emulator) DumpStats(w io.Writer) {
	s := e.Stats()
	fmt.Fprintf(w, "[ x86 ]\n")
	fmt.Fprintf(w, "Instructions = %d\n", s.Instructions)
	fmt.Fprintf(w, "Contexts = %d\n", s.ContextsCreated)
	fmt.Fprintf(w, "MaxRunningContexts = %d\n", s.MaxRunning)
	fmt.Fprintf(w, "RunningTime = %.3f\n", s.RunningTime.Seconds())
	if secs := s.RunningTime.Seconds(); secs > 0 {
		fmt.Fprintf(w, "InstructionsPerSecond = %.0f\n", float64(s.Instructions)/secs)
	}
	names := make([]string, 0, len(s.Uops))
	for name := range s.Uops {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "Uop.%s = %d\n", name, s.Uops[name])
	}
}

type finishEvent struct {
	Pid      int    `json:"pid"`
	Parent   int    `json:"parent"`
	ExitCode int    `json:"exit_code"`
	State    string `json:"state"`
}

func (e *Emulator) eventFinish(c *Context) {
	log.Event("finish", c.String(), finishEvent{
		Pid:      c.pid,
		Parent:   c.parentPid,
		ExitCode: c.exitCode,
		State:    c.state.String(),
	}, "inst", e.instructions)
}

type spawnEvent struct {
	Pid    int    `json:"pid"`
	Parent int    `json:"parent"`
	Kind   string `json:"kind"`
	Eip    uint32 `json:"eip"`
}

func (e *Emulator) eventSpawn(c *Context, kind string) {
	log.Event("spawn", c.String(), spawnEvent{
		Pid:    c.pid,
		Parent: c.parentPid,
		Kind:   kind,
		Eip:    c.regs.Eip,
	}, "inst", e.instructions)
}
