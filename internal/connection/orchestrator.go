// Package connection sequences the config compiler, the engine supervisor and
// the system proxy in response to start and stop requests and to engine
// crashes.
package connection

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"vlyne/internal/config"
	"vlyne/internal/logger"
	"vlyne/internal/xray"
	"vlyne/internal/xray/parser"
)

var (
	ErrNotIdle     = errors.New("connection is not idle")
	ErrConfigWrite = errors.New("failed to write engine config")
	ErrClosed      = errors.New("orchestrator has quit")
)

type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Engine runs the proxy engine subprocess. *xray.Supervisor implements it.
type Engine interface {
	Start(p xray.Process, hooks xray.Hooks) error
	Stop(ctx context.Context) error
	Running() bool
}

// SystemProxy owns the OS proxy override. *sysproxy.Manager implements it.
type SystemProxy interface {
	Enable(ctx context.Context, host string, port int) error
	Disable(ctx context.Context) error
	// HasBackup reports whether an override is in place that Disable would
	// undo.
	HasBackup() bool
}

type Options struct {
	EnginePath string
	ConfigPath string
	// Preflight validates the compiled document before launch. Failures are
	// only logged. Nil skips the check.
	Preflight func(doc []byte) error
}

type StartResult struct {
	// Warning is set when the tunnel runs but the system proxy could not be
	// engaged.
	Warning string
}

type StopResult struct {
	Warning string
}

const proxyHost = "127.0.0.1"

// Orchestrator is the connection state machine. mu orders Start, Stop, Quit
// and exit handling, so cleanup never overlaps itself; the fields below state
// are guarded by it.
type Orchestrator struct {
	mu     sync.Mutex
	engine Engine
	proxy  SystemProxy
	opts   Options
	bus    *Bus

	state atomic.Int32

	gen uint64
	// proxyEngaged is set once this connection has pointed the OS proxy at
	// the tunnel.
	proxyEngaged bool
	cleanupDone  bool
	closed       bool
}

func New(engine Engine, proxy SystemProxy, opts Options) *Orchestrator {
	return &Orchestrator{
		engine: engine,
		proxy:  proxy,
		opts:   opts,
		bus:    NewBus(),
	}
}

// State returns the current state without waiting for an in-flight request.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Subscribe attaches an observer. See Bus.Subscribe.
func (o *Orchestrator) Subscribe(buffer int) (<-chan Event, func()) {
	return o.bus.Subscribe(buffer)
}

func (o *Orchestrator) setState(s State) {
	if State(o.state.Swap(int32(s))) == s {
		return
	}
	logger.Log.Debugf("Connection state: %s", s)
	o.bus.Publish(Event{Kind: EventStateChanged, State: s})
}

// Start compiles p with s, writes the engine config and launches the engine.
// The system proxy is engaged afterwards when general.autoEnableProxy is set;
// failing to do so leaves the tunnel up and is reported as a warning.
func (o *Orchestrator) Start(ctx context.Context, p *parser.Profile, s config.Settings) (StartResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return StartResult{}, ErrClosed
	}
	if o.State() != Idle {
		return StartResult{}, ErrNotIdle
	}
	o.setState(Starting)

	if err := o.launch(p, s); err != nil {
		o.setState(Idle)
		return StartResult{}, err
	}

	o.proxyEngaged = false
	o.cleanupDone = false
	o.setState(Running)
	logger.Log.Infof("Connected via %s (%s %s:%s)", p.Name, p.Protocol, p.Address, p.Port)

	var res StartResult
	if s.General.AutoEnableProxy {
		if err := o.proxy.Enable(ctx, proxyHost, s.Inbound.HTTPPort); err != nil {
			logger.Log.Warnf("Failed to set system proxy, configure it manually: %v", err)
			res.Warning = err.Error()
		} else {
			o.proxyEngaged = true
		}
	}
	return res, nil
}

func (o *Orchestrator) launch(p *parser.Profile, s config.Settings) error {
	doc, err := xray.Compile(p, s)
	if err != nil {
		return err
	}
	data, err := doc.Marshal()
	if err != nil {
		return err
	}

	if err := writeConfig(o.opts.ConfigPath, data); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigWrite, err)
	}
	logger.Log.Debugf("Wrote engine config to %s", o.opts.ConfigPath)

	if o.opts.Preflight != nil {
		if err := o.opts.Preflight(data); err != nil {
			logger.Log.Warnf("Engine config preflight: %v", err)
		}
	}

	if s.Core.LogDir != "" {
		if err := os.MkdirAll(s.Core.LogDir, 0o755); err != nil {
			logger.Log.Warnf("Cannot create engine log dir: %v", err)
		}
	}

	o.gen++
	gen := o.gen
	engineLog := logger.Named("xray")
	hooks := xray.Hooks{
		Line: func(l xray.LogLine) {
			if l.Stderr {
				engineLog.Warn(l.String())
			} else {
				engineLog.Info(l.Text)
			}
			o.bus.Publish(Event{Kind: EventLog, Line: l})
		},
		Exit: func(st xray.ExitStatus) { o.handleExit(gen, st) },
	}

	return o.engine.Start(xray.Process{
		EnginePath: o.opts.EnginePath,
		ConfigPath: o.opts.ConfigPath,
		ErrorLog:   xray.ErrorLogPath(s.Core),
	}, hooks)
}

func writeConfig(path string, data []byte) error {
	if path == "" {
		return errors.New("no config path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Stop terminates the engine and then always disengages the system proxy,
// even when termination failed.
func (o *Orchestrator) Stop(ctx context.Context) (StopResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.engine.Running() {
		o.cleanup(ctx, StopInfo{Reason: ReasonManualNoProcess})
		o.setState(Idle)
		return StopResult{Warning: "engine not running"}, nil
	}

	o.setState(Stopping)
	stopErr := o.engine.Stop(ctx)
	if stopErr != nil {
		logger.Log.Errorf("Failed to stop engine: %v", stopErr)
	}
	o.cleanup(ctx, StopInfo{Reason: ReasonManualStop})
	o.setState(Idle)
	return StopResult{}, stopErr
}

// Quit runs the forced stop sequence for application exit and closes the
// event bus. Calling it again is a no-op.
func (o *Orchestrator) Quit(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil
	}

	var stopErr error
	if o.engine.Running() {
		o.setState(Stopping)
		if stopErr = o.engine.Stop(ctx); stopErr != nil {
			logger.Log.Errorf("Failed to stop engine on quit: %v", stopErr)
		}
	}
	o.cleanup(ctx, StopInfo{Reason: ReasonAppQuit})
	o.setState(Idle)

	o.closed = true
	o.bus.Close()
	return stopErr
}

// handleExit reacts to an engine exit that nobody asked for.
func (o *Orchestrator) handleExit(gen uint64, st xray.ExitStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed || gen != o.gen || st.Requested {
		return
	}
	if s := o.State(); s != Starting && s != Running {
		return
	}

	code := st.Code
	o.cleanup(context.Background(), StopInfo{Reason: ReasonProcessExit, Code: &code, Signal: st.Signal})
	o.setState(Idle)
}

// cleanup disengages the system proxy and announces the stop. It runs at most
// once per connection and callers hold o.mu. A failed disable leaves it
// eligible to run again. The proxy is left alone when this connection never
// engaged it and no override is on record.
func (o *Orchestrator) cleanup(ctx context.Context, info StopInfo) {
	if o.cleanupDone {
		return
	}

	if o.proxyEngaged || o.proxy.HasBackup() {
		if err := o.proxy.Disable(ctx); err != nil {
			logger.Log.Errorf("Failed to clean up system proxy: %v", err)
		} else {
			o.proxyEngaged = false
			o.cleanupDone = true
		}
	} else {
		o.cleanupDone = true
	}

	logger.Log.Infof("Disconnected (%s)", info.Reason)
	o.bus.Publish(Event{Kind: EventStopped, Stop: info})
}
