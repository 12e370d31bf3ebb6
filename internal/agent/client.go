package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/agent/registry"
	"github.com/threadline/threadline/internal/common/logger"
)

// killGracePeriod is how long Kill waits after SIGTERM before SIGKILL.
const killGracePeriod = 5 * time.Second

// stderrRingSize bounds the stderr kept for exit diagnosis.
const stderrRingSize = 40

// ExitStatus is the terminal state of one child run.
type ExitStatus struct {
	Code int
	// Err is non-nil for spawn failures and permanent failures detected in
	// stderr. A plain non-zero exit leaves Err nil; Code carries it.
	Err error
	// Stderr is the tail of the child's stderr, for error posts.
	Stderr string
}

// StatusRecorder receives usage updates extracted from system and result
// events. The status file writer implements it; a nil recorder disables it.
type StatusRecorder interface {
	Record(model string, usage *Usage, totalCostUSD float64)
}

// ClientConfig configures one AI CLI child.
type ClientConfig struct {
	Profile            *registry.Profile
	Binary             string // overrides Profile.Binary when set
	WorkingDir         string
	SessionUUID        string
	// Resume makes the first Start pass --resume instead of --session-id;
	// used when rehydrating a session after a bridge restart.
	Resume             bool
	SkipPermissions    bool
	MCPConfig          string
	AppendSystemPrompt string
	ExtraArgs          []string

	Spawner Spawner
	Status  StatusRecorder
}

// Client runs and converses with one AI CLI child process. Exactly one child
// is alive per client; Start after exit relaunches with --resume.
type Client struct {
	cfg ClientConfig
	log *logger.Logger

	mu      sync.Mutex
	proc    Process
	running bool
	started bool // a previous run happened; next Start resumes

	stdinMu sync.Mutex

	events chan Event
	done   chan ExitStatus
}

// NewClient creates a client for one session's AI child.
func NewClient(cfg ClientConfig, log *logger.Logger) *Client {
	if cfg.Spawner == nil {
		cfg.Spawner = NewExecSpawner()
	}
	return &Client{
		cfg: cfg,
		log: log.WithFields(zap.String("component", "agent-client"), zap.String("session_uuid", cfg.SessionUUID)),
	}
}

// Events streams parsed stdout events for the current run. The channel is
// closed when the child exits.
func (c *Client) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Done delivers the exit status of the current run.
func (c *Client) Done() <-chan ExitStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Running reports whether the child is alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start spawns the child. The first start passes --session-id; subsequent
// starts pass --resume with the same UUID. Fails if already running. A spawn
// error is wrapped as a permanent failure: there is nothing to resume.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}

	binary := c.cfg.Binary
	if binary == "" {
		binary = c.cfg.Profile.Binary
	}
	argv := c.cfg.Profile.Argv(registry.BuildArgs{
		SessionUUID:        c.cfg.SessionUUID,
		Resume:             c.started || c.cfg.Resume,
		SkipPermissions:    c.cfg.SkipPermissions,
		MCPConfig:          c.cfg.MCPConfig,
		AppendSystemPrompt: c.cfg.AppendSystemPrompt,
		ExtraArgs:          c.cfg.ExtraArgs,
	})

	proc, err := c.cfg.Spawner.Spawn(ctx, SpawnSpec{
		Binary: binary,
		Args:   argv,
		Dir:    c.cfg.WorkingDir,
	})
	if err != nil {
		c.mu.Unlock()
		return &PermanentFailureError{Indicator: "spawn", Detail: err.Error()}
	}

	c.proc = proc
	c.running = true
	c.started = true
	c.events = make(chan Event, 64)
	c.done = make(chan ExitStatus, 1)
	events, done := c.events, c.done
	c.mu.Unlock()

	c.log.Info("agent started",
		zap.String("binary", binary),
		zap.Int("pid", proc.Pid()),
		zap.String("dir", c.cfg.WorkingDir))

	stderrCh := make(chan []string, 1)
	readerDone := make(chan struct{})
	go c.collectStderr(proc, stderrCh)
	go func() {
		defer close(readerDone)
		c.readLoop(proc, events)
	}()
	go c.wait(proc, events, done, stderrCh, readerDone)
	return nil
}

// SendMessage writes one user message to the child's stdin.
func (c *Client) SendMessage(content string) error {
	return c.send(userMessage{
		Type:    "user",
		Message: userMessageBody{Role: "user", Content: content},
	})
}

// SendToolResult writes a tool_result for a pending tool_use to stdin.
func (c *Client) SendToolResult(toolUseID, content string) error {
	return c.sendToolResult(toolUseID, content, false)
}

// SendToolResultError writes a failed tool_result; the AI treats the content
// as a refusal or error message.
func (c *Client) SendToolResultError(toolUseID, content string) error {
	return c.sendToolResult(toolUseID, content, true)
}

func (c *Client) sendToolResult(toolUseID, content string, isError bool) error {
	return c.send(userMessage{
		Type: "user",
		Message: userMessageBody{
			Role: "user",
			Content: []toolResultContent{{
				Type:      "tool_result",
				ToolUseID: toolUseID,
				Content:   content,
				IsError:   isError,
			}},
		},
	})
}

func (c *Client) send(msg any) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	proc := c.proc
	c.mu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal agent message: %w", err)
	}
	data = append(data, '\n')

	c.stdinMu.Lock()
	defer c.stdinMu.Unlock()
	if _, err := proc.Stdin().Write(data); err != nil {
		return fmt.Errorf("write agent stdin: %w", err)
	}
	return nil
}

// Interrupt sends SIGINT to the child, aborting the current turn. Returns
// false when no child is running.
func (c *Client) Interrupt() bool {
	return c.Signal(syscall.SIGINT)
}

// Terminate sends SIGTERM without waiting; the exit arrives on Done. Callers
// that also consume Done must use this instead of Kill.
func (c *Client) Terminate() bool {
	return c.Signal(syscall.SIGTERM)
}

// Signal relays a signal to the running child. Returns false when no child
// is running or the signal could not be delivered.
func (c *Client) Signal(sig os.Signal) bool {
	c.mu.Lock()
	proc, running := c.proc, c.running
	c.mu.Unlock()
	if !running {
		return false
	}
	if err := proc.Signal(sig); err != nil {
		c.log.Warn("signal failed", zap.String("signal", sig.String()), zap.Error(err))
		return false
	}
	return true
}

// Kill terminates the child with SIGTERM, escalating to SIGKILL after a
// grace period, and waits for the exit. Idempotent.
func (c *Client) Kill() {
	c.mu.Lock()
	proc, running := c.proc, c.running
	done := c.done
	c.mu.Unlock()
	if !running {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		c.log.Debug("sigterm failed", zap.Error(err))
	}
	select {
	case <-done:
	case <-time.After(killGracePeriod):
		c.log.Warn("agent ignored SIGTERM, sending SIGKILL")
		_ = proc.Signal(syscall.SIGKILL)
		<-done
	}
}

func (c *Client) readLoop(proc Process, events chan<- Event) {
	scanner := bufio.NewScanner(proc.Stdout())
	// Tool results routinely carry whole files; allow lines up to 10MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			c.log.Warn("malformed agent event, skipping",
				zap.Error(err), zap.Int("line_len", len(line)))
			continue
		}
		c.recordStatus(&evt)
		events <- evt
	}
	if err := scanner.Err(); err != nil {
		c.log.Debug("agent stdout closed", zap.Error(err))
	}
}

func (c *Client) recordStatus(evt *Event) {
	if c.cfg.Status == nil {
		return
	}
	switch evt.Type {
	case EventTypeResult:
		c.cfg.Status.Record(evt.Model, evt.Usage, evt.TotalCostUSD)
	case EventTypeAssistant:
		if evt.Message != nil && evt.Message.Usage != nil {
			c.cfg.Status.Record(evt.Message.Model, evt.Message.Usage, 0)
		}
	}
}

func (c *Client) collectStderr(proc Process, out chan<- []string) {
	scanner := bufio.NewScanner(proc.Stderr())
	ring := make([]string, 0, stderrRingSize)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if len(ring) == stderrRingSize {
			copy(ring, ring[1:])
			ring = ring[:stderrRingSize-1]
		}
		ring = append(ring, line)
	}
	out <- ring
}

func (c *Client) wait(proc Process, events chan Event, done chan ExitStatus, stderrCh <-chan []string, readerDone <-chan struct{}) {
	code, waitErr := proc.Wait()
	stderr := <-stderrCh
	// The pipe closes on exit; wait for the reader to drain the last lines
	// before closing the event channel.
	<-readerDone

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	status := ExitStatus{Code: code, Err: waitErr, Stderr: strings.Join(stderr, "\n")}
	if pf := c.detectPermanentFailure(stderr); pf != nil {
		status.Err = pf
	}

	c.log.Info("agent exited", zap.Int("code", code), zap.Bool("permanent_failure", status.Err != nil && IsPermanentFailure(status.Err)))
	close(events)
	done <- status
	close(done)
}

func (c *Client) detectPermanentFailure(stderr []string) *PermanentFailureError {
	for _, line := range stderr {
		lower := strings.ToLower(line)
		for _, pattern := range c.cfg.Profile.PermanentFailurePatterns {
			if strings.Contains(lower, strings.ToLower(pattern)) {
				return &PermanentFailureError{Indicator: pattern, Detail: line}
			}
		}
	}
	return nil
}
