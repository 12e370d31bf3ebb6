// Package update checks a package registry for new releases and restarts
// the process to pick them up. The restart itself is a process exit with a
// sentinel code; the supervising launcher re-execs the binary.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/platform"
)

// RestartExitCode tells the launcher the process exited to apply an
// update and must be re-execed rather than reported as a crash.
const RestartExitCode = 42

// Restart modes. They decide when a detected update actually restarts.
const (
	ModeImmediate = "immediate"
	ModeIdle      = "idle"
	ModeQuiet     = "quiet"
	ModeScheduled = "scheduled"
	ModeAsk       = "ask"
)

const (
	defaultCheckInterval = 6 * time.Hour
	defaultIdleTimeout   = 5 * time.Minute
	defaultQuietTimeout  = 10 * time.Minute
	defaultAskTimeout    = 30 * time.Minute
	evaluateInterval     = 30 * time.Second
	deferDelay           = time.Hour
	httpTimeout          = 30 * time.Second
)

// Clock abstracts time for the mode evaluation.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// HTTPDoer is the slice of http.Client the version check needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Activity reports what the sessions are up to. The session registry
// implements it.
type Activity interface {
	Size() int
	LastSessionActivity() time.Time
}

// Notifier posts update announcements into the configured channel. The
// orchestrator provides one per primary platform; nil skips all posts.
type Notifier interface {
	PostNotice(ctx context.Context, message string) (string, error)
	PostPrompt(ctx context.Context, message string, reactions []string) (string, error)
	DeletePost(ctx context.Context, postID string) error
}

// CheckResult is the outcome of one registry check.
type CheckResult struct {
	CurrentVersion  string
	LatestVersion   string
	UpdateAvailable bool
	CheckedAt       time.Time
}

// Deps are the coordinator's injectable collaborators. Zero values get
// production defaults.
type Deps struct {
	HTTP     HTTPDoer
	Clock    Clock
	Activity Activity
	Notifier Notifier
	Logger   *logger.Logger
	// Exit ends the process; defaults to os.Exit.
	Exit func(code int)
	// Install runs the configured install command.
	Install func(ctx context.Context, command string) error
}

type askPrompt struct {
	postID   string
	deadline time.Time
}

// Coordinator periodically checks the registry and restarts the process
// when the configured mode says it is time.
type Coordinator struct {
	cfg      config.UpdateConfig
	version  string
	http     HTTPDoer
	clock    Clock
	activity Activity
	notifier Notifier
	log      *logger.Logger
	exit     func(int)
	install  func(ctx context.Context, command string) error

	sf singleflight.Group

	mu            sync.Mutex
	last          *CheckResult
	pending       *askPrompt
	deferredUntil time.Time
	lastSeen      time.Time // most recent session activity ever observed
	startedAt     time.Time
}

// New builds a coordinator for the given current version.
func New(cfg config.UpdateConfig, version string, deps Deps) *Coordinator {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: httpTimeout}
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.Default()
	}
	if deps.Exit == nil {
		deps.Exit = os.Exit
	}
	if deps.Install == nil {
		deps.Install = runInstall
	}
	return &Coordinator{
		cfg:       cfg,
		version:   version,
		http:      deps.HTTP,
		clock:     deps.Clock,
		activity:  deps.Activity,
		notifier:  deps.Notifier,
		log:       deps.Logger.WithFields(zap.String("component", "update")),
		exit:      deps.Exit,
		install:   deps.Install,
		startedAt: deps.Clock.Now(),
	}
}

// SetNotifier wires the announcement channel after the platforms connect.
func (c *Coordinator) SetNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// Run checks and evaluates until the context ends. No-op when disabled.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	interval := defaultCheckInterval
	if c.cfg.CheckIntervalMinutes > 0 {
		interval = c.cfg.CheckInterval()
	}
	checks := time.NewTicker(interval)
	defer checks.Stop()
	evals := time.NewTicker(evaluateInterval)
	defer evals.Stop()

	if _, err := c.CheckNow(ctx); err != nil {
		c.log.Warn("initial version check failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-checks.C:
			if _, err := c.CheckNow(ctx); err != nil {
				c.log.Warn("version check failed", zap.Error(err))
			}
		case <-evals.C:
			c.Evaluate(ctx)
		}
	}
}

// CheckNow fetches the latest version from the registry. Concurrent calls
// are collapsed: late callers share the in-flight result.
func (c *Coordinator) CheckNow(ctx context.Context) (*CheckResult, error) {
	v, err, _ := c.sf.Do("check", func() (any, error) {
		return c.check(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CheckResult), nil
}

// ErrNoUpdate is returned by InstallNow when the registry has nothing newer.
var ErrNoUpdate = errors.New("already on the latest version")

// InstallNow checks and restarts right away, regardless of the configured
// mode. Backs !update now.
func (c *Coordinator) InstallNow(ctx context.Context) error {
	res, err := c.CheckNow(ctx)
	if err != nil {
		return err
	}
	if !res.UpdateAvailable {
		return ErrNoUpdate
	}
	c.trigger(ctx, res)
	return nil
}

// LastResult returns the most recent check outcome, or nil.
func (c *Coordinator) LastResult() *CheckResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Coordinator) check(ctx context.Context) (*CheckResult, error) {
	latest, err := c.fetchLatest(ctx)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	res := &CheckResult{
		CurrentVersion: c.version,
		LatestVersion:  latest,
		CheckedAt:      now,
	}
	// Dev builds never self-update.
	if c.version != "" && c.version != "dev" {
		res.UpdateAvailable = compareVersions(latest, c.version) > 0
	}
	c.mu.Lock()
	c.last = res
	c.mu.Unlock()
	c.recordCheck(now)
	if res.UpdateAvailable {
		c.log.Info("update available",
			zap.String("current", res.CurrentVersion),
			zap.String("latest", res.LatestVersion))
	}
	return res, nil
}

func (c *Coordinator) fetchLatest(ctx context.Context) (string, error) {
	url := strings.TrimRight(c.cfg.RegistryURL, "/") + "/" + c.cfg.PackageName
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("registry request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("registry returned %d for %s", resp.StatusCode, c.cfg.PackageName)
	}
	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("registry response: %w", err)
	}
	if body.Version == "" {
		return "", fmt.Errorf("registry response for %s has no version", c.cfg.PackageName)
	}
	return body.Version, nil
}

// Evaluate applies the configured mode to the last check result and
// triggers the restart when its condition holds.
func (c *Coordinator) Evaluate(ctx context.Context) {
	now := c.clock.Now()

	c.mu.Lock()
	if c.activity != nil {
		if t := c.activity.LastSessionActivity(); t.After(c.lastSeen) {
			c.lastSeen = t
		}
	}
	res := c.last
	deferred := c.deferredUntil
	quietSince := c.lastSeen
	if c.startedAt.After(quietSince) {
		quietSince = c.startedAt
	}
	pending := c.pending
	c.mu.Unlock()

	if res == nil || !res.UpdateAvailable {
		return
	}
	if now.Before(deferred) {
		return
	}

	switch c.cfg.Mode {
	case ModeImmediate:
		c.trigger(ctx, res)
	case ModeIdle:
		if c.activeCount() == 0 && now.Sub(quietSince) >= c.idleTimeout() {
			c.trigger(ctx, res)
		}
	case ModeQuiet:
		if now.Sub(quietSince) >= c.quietTimeout() {
			c.trigger(ctx, res)
		}
	case ModeScheduled:
		if inWindow(now.Hour(), c.cfg.ScheduledStartHour, c.cfg.ScheduledEndHour) {
			c.trigger(ctx, res)
		}
	case ModeAsk:
		if pending == nil {
			c.postAskPrompt(ctx, res, now)
		} else if !now.Before(pending.deadline) {
			c.log.Info("update prompt timed out, restarting")
			c.trigger(ctx, res)
		}
	default:
		c.log.Warn("unknown update mode", zap.String("mode", c.cfg.Mode))
	}
}

// HandleReaction consumes reactions on the pending ask prompt. Returns
// true when the reaction was ours.
func (c *Coordinator) HandleReaction(ctx context.Context, postID, emoji string) bool {
	c.mu.Lock()
	pending := c.pending
	res := c.last
	c.mu.Unlock()
	if pending == nil || pending.postID != postID {
		return false
	}
	switch emoji {
	case platform.EmojiThumbsUp:
		c.clearPrompt(ctx, pending.postID)
		c.trigger(ctx, res)
		return true
	case platform.EmojiThumbsDown:
		c.Defer(deferDelay)
		c.clearPrompt(ctx, pending.postID)
		c.notice(ctx, "Okay, update deferred for an hour.")
		return true
	}
	return false
}

// Defer pushes the next restart attempt out by d and persists it so the
// deferral survives a crash.
func (c *Coordinator) Defer(d time.Duration) {
	until := c.clock.Now().Add(d)
	c.mu.Lock()
	c.deferredUntil = until
	c.pending = nil
	c.mu.Unlock()

	st, err := loadState(c.statePath())
	if err != nil {
		c.log.Warn("update state unreadable", zap.Error(err))
		return
	}
	st.DeferredUntil = &until
	if err := saveState(c.statePath(), st); err != nil {
		c.log.Warn("update state write failed", zap.Error(err))
	}
}

// AnnounceStartup reads the handoff state: it restores a persisted
// deferral, and after an update restart posts the outcome with rollback
// instructions and clears the flag.
func (c *Coordinator) AnnounceStartup(ctx context.Context) {
	st, err := loadState(c.statePath())
	if err != nil {
		c.log.Warn("update state unreadable", zap.Error(err))
		return
	}
	if st.DeferredUntil != nil {
		c.mu.Lock()
		c.deferredUntil = *st.DeferredUntil
		c.mu.Unlock()
	}
	if !st.JustUpdated {
		return
	}
	c.log.Info("restarted after update",
		zap.String("from", st.PreviousVersion),
		zap.String("to", st.TargetVersion))
	msg := fmt.Sprintf("Updated %s from %s to %s.", c.cfg.PackageName, st.PreviousVersion, st.TargetVersion)
	if st.PreviousVersion != "" && c.cfg.PackageName != "" {
		msg += fmt.Sprintf(" To roll back, install `%s@%s` and restart.", c.cfg.PackageName, st.PreviousVersion)
	}
	c.notice(ctx, msg)
	st.JustUpdated = false
	if err := saveState(c.statePath(), st); err != nil {
		c.log.Warn("update state write failed", zap.Error(err))
	}
}

// trigger announces, installs, persists the handoff state, and exits with
// the restart sentinel. An install failure backs off for an hour.
func (c *Coordinator) trigger(ctx context.Context, res *CheckResult) {
	c.notice(ctx, fmt.Sprintf("Updating %s from %s to %s, back in a moment.",
		c.cfg.PackageName, res.CurrentVersion, res.LatestVersion))

	if cmd := c.cfg.InstallCommand; cmd != "" {
		if err := c.install(ctx, cmd); err != nil {
			c.log.Error("install command failed", zap.Error(err))
			c.notice(ctx, fmt.Sprintf("Update to %s failed, staying on %s. Will retry later.",
				res.LatestVersion, res.CurrentVersion))
			c.mu.Lock()
			c.deferredUntil = c.clock.Now().Add(deferDelay)
			c.pending = nil
			c.mu.Unlock()
			return
		}
	}

	st, err := loadState(c.statePath())
	if err != nil {
		st = &State{}
	}
	now := c.clock.Now()
	st.PreviousVersion = res.CurrentVersion
	st.TargetVersion = res.LatestVersion
	st.StartedAt = &now
	st.JustUpdated = true
	st.DeferredUntil = nil
	if err := saveState(c.statePath(), st); err != nil {
		c.log.Warn("update state write failed", zap.Error(err))
	}

	c.log.Info("exiting for update restart", zap.Int("code", RestartExitCode))
	c.exit(RestartExitCode)
}

func (c *Coordinator) postAskPrompt(ctx context.Context, res *CheckResult, now time.Time) {
	if c.notifier == nil {
		return
	}
	msg := fmt.Sprintf("Version %s is available (running %s). React with :+1: to restart and update now, :-1: to defer an hour. Restarting automatically in %d minutes.",
		res.LatestVersion, res.CurrentVersion, int(c.askTimeout().Minutes()))
	postID, err := c.notifier.PostPrompt(ctx, msg, []string{platform.EmojiThumbsUp, platform.EmojiThumbsDown})
	if err != nil {
		c.log.Warn("update prompt post failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.pending = &askPrompt{postID: postID, deadline: now.Add(c.askTimeout())}
	c.mu.Unlock()
}

// PendingPromptID returns the ask prompt's post ID so the reaction router
// can short-circuit, or empty.
func (c *Coordinator) PendingPromptID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return ""
	}
	return c.pending.postID
}

func (c *Coordinator) clearPrompt(ctx context.Context, postID string) {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	if c.notifier != nil {
		if err := c.notifier.DeletePost(ctx, postID); err != nil {
			c.log.Warn("update prompt delete failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) notice(ctx context.Context, message string) {
	if c.notifier == nil {
		return
	}
	if _, err := c.notifier.PostNotice(ctx, message); err != nil {
		c.log.Warn("update notice failed", zap.Error(err))
	}
}

func (c *Coordinator) recordCheck(at time.Time) {
	st, err := loadState(c.statePath())
	if err != nil {
		return
	}
	st.LastCheckAt = &at
	if err := saveState(c.statePath(), st); err != nil {
		c.log.Warn("update state write failed", zap.Error(err))
	}
}

func (c *Coordinator) activeCount() int {
	if c.activity == nil {
		return 0
	}
	return c.activity.Size()
}

func (c *Coordinator) statePath() string {
	if c.cfg.StateFile != "" {
		return c.cfg.StateFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".threadline", "update-state.json")
	}
	return filepath.Join(home, ".threadline", "update-state.json")
}

func (c *Coordinator) idleTimeout() time.Duration {
	if c.cfg.IdleTimeoutMinutes > 0 {
		return time.Duration(c.cfg.IdleTimeoutMinutes) * time.Minute
	}
	return defaultIdleTimeout
}

func (c *Coordinator) quietTimeout() time.Duration {
	if c.cfg.QuietTimeoutMinutes > 0 {
		return time.Duration(c.cfg.QuietTimeoutMinutes) * time.Minute
	}
	return defaultQuietTimeout
}

func (c *Coordinator) askTimeout() time.Duration {
	if c.cfg.AskTimeoutMinutes > 0 {
		return time.Duration(c.cfg.AskTimeoutMinutes) * time.Minute
	}
	return defaultAskTimeout
}

// inWindow reports whether hour falls inside [start, end), wrapping
// across midnight when start > end. Equal bounds mean the whole day.
func inWindow(hour, start, end int) bool {
	switch {
	case start == end:
		return true
	case start < end:
		return hour >= start && hour < end
	default:
		return hour >= start || hour < end
	}
}

// compareVersions orders two dotted versions by numeric components.
// Leading "v" and any pre-release suffix are ignored; missing components
// count as zero.
func compareVersions(a, b string) int {
	as := versionComponents(a)
	bs := versionComponents(b)
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionComponents(v string) []int {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	parts := strings.Split(v, ".")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, _ := strconv.Atoi(p)
		out = append(out, n)
	}
	return out
}

func runInstall(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
