// Package orchestrator connects the chat platforms to the session engine.
// It consumes each platform's inbound stream, routes messages into sessions
// (or starts new ones on a bot mention), routes reactions through the
// pending-prompt chain, executes !commands, and keeps the per-channel
// sticky summaries fresh.
package orchestrator

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/threadline/threadline/internal/commands"
	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/session/store"
	"github.com/threadline/threadline/internal/sticky"
	"github.com/threadline/threadline/internal/update"
	"github.com/threadline/threadline/internal/worktree"
)

const (
	userCacheTTL    = 5 * time.Minute
	historyCacheTTL = 30 * time.Second
)

// runtime is one connected platform with its sticky manager.
type runtime struct {
	adapter platform.Adapter
	cfg     config.PlatformConfig
	sticky  *sticky.Manager
}

// Orchestrator is the inbound dispatcher for all platforms.
type Orchestrator struct {
	cfg       config.Config
	manager   *session.Manager
	store     *store.Store
	worktrees *worktree.Manager
	update    *update.Coordinator
	bus       bus.EventBus
	version   string
	log       *logger.Logger

	mu        sync.RWMutex
	platforms map[string]*runtime

	users   *gocache.Cache
	history *gocache.Cache
}

// New builds the orchestrator. worktrees and upd may be nil when the
// corresponding features are off.
func New(cfg config.Config, manager *session.Manager, st *store.Store, worktrees *worktree.Manager, upd *update.Coordinator, eventBus bus.EventBus, version string, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		manager:   manager,
		store:     st,
		worktrees: worktrees,
		update:    upd,
		bus:       eventBus,
		version:   version,
		log:       log.WithFields(zap.String("component", "orchestrator")),
		platforms: map[string]*runtime{},
		users:     gocache.New(userCacheTTL, 2*userCacheTTL),
		history:   gocache.New(historyCacheTTL, 2*historyCacheTTL),
	}
}

// AddPlatform registers a connected adapter. The first platform with a home
// channel also becomes the update coordinator's announcement target.
func (o *Orchestrator) AddPlatform(adapter platform.Adapter, pcfg config.PlatformConfig) {
	botName := pcfg.BotName
	if botName == "" {
		botName = adapter.BotUser().Username
	}
	rt := &runtime{
		adapter: adapter,
		cfg:     pcfg,
		sticky:  sticky.NewManager(adapter, o.store, o.manager, botName, o.version, o.log),
	}

	o.mu.Lock()
	hadNotifyTarget := false
	for _, existing := range o.platforms {
		if existing.cfg.Channel != "" {
			hadNotifyTarget = true
		}
	}
	o.platforms[adapter.ID()] = rt
	o.mu.Unlock()

	if o.update != nil && !hadNotifyTarget && pcfg.Channel != "" {
		o.update.SetNotifier(updateNotifier{adapter: adapter, channelID: pcfg.Channel})
	}
}

// Run consumes every platform's inbound stream until the context ends, and
// serves sticky refresh requests off the bus.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub, err := o.bus.Subscribe(events.StickyRefreshRequested, o.onStickyRefresh)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	g, ctx := errgroup.WithContext(ctx)
	o.mu.RLock()
	for _, rt := range o.platforms {
		rt := rt
		g.Go(func() error { return o.consume(ctx, rt) })
	}
	o.mu.RUnlock()
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})
	return g.Wait()
}

func (o *Orchestrator) consume(ctx context.Context, rt *runtime) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-rt.adapter.Events():
			if !ok {
				o.log.Info("platform stream closed", zap.String("platformId", rt.adapter.ID()))
				return nil
			}
			o.handleEvent(ctx, rt, evt)
		}
	}
}

// RecoverSessions resumes every active persisted session whose platform is
// connected and enabled. Called once at startup, after the adapters connect.
func (o *Orchestrator) RecoverSessions(ctx context.Context) {
	for _, snap := range o.store.Load() {
		o.mu.RLock()
		rt := o.platforms[snap.PlatformID]
		o.mu.RUnlock()
		if rt == nil {
			o.log.Warn("persisted session for unknown platform",
				zap.String("sessionId", snap.SessionID), zap.String("platformId", snap.PlatformID))
			continue
		}
		if !o.store.PlatformEnabled(snap.PlatformID) {
			continue
		}
		if _, err := o.manager.Resume(ctx, rt.adapter, snap); err != nil {
			o.log.Warn("session recovery failed",
				zap.String("sessionId", snap.SessionID), zap.Error(err))
		}
	}
}

// RefreshStickies re-renders every platform's sticky post.
func (o *Orchestrator) RefreshStickies(ctx context.Context) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, rt := range o.platforms {
		if rt.cfg.Channel != "" {
			rt.sticky.Refresh(ctx, rt.cfg.Channel)
		}
	}
}

func (o *Orchestrator) onStickyRefresh(ctx context.Context, evt *bus.Event) error {
	var p events.PlatformPayload
	if err := evt.DecodePayload(&p); err != nil {
		return err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	for id, rt := range o.platforms {
		if p.PlatformID != "" && p.PlatformID != id {
			continue
		}
		if rt.cfg.Channel != "" {
			rt.sticky.Refresh(ctx, rt.cfg.Channel)
		}
	}
	return nil
}

func (o *Orchestrator) handleEvent(ctx context.Context, rt *runtime, evt platform.InboundEvent) {
	if !o.store.PlatformEnabled(rt.adapter.ID()) {
		return
	}
	switch evt.Type {
	case platform.EventTypeMessage:
		if evt.Message != nil {
			o.handleMessage(ctx, rt, evt.Message)
		}
	case platform.EventTypeReaction:
		if evt.Reaction != nil {
			o.handleReaction(ctx, rt, evt.Reaction)
		}
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, rt *runtime, ev *platform.MessageEvent) {
	bot := rt.adapter.BotUser()
	if ev.User.IsBot || ev.User.ID == bot.ID {
		return
	}
	username := ev.User.Username
	threadID := threadRoot(ev.Post)
	text := strings.TrimSpace(ev.Post.Message)

	if s := o.manager.Registry().Find(rt.adapter.ID(), threadID); s != nil {
		if cmd, ok := commands.Parse(text); ok {
			o.executeCommand(ctx, rt, s, ev.Post, username, cmd)
			return
		}
		s.FeedUserMessage(username, text)
		return
	}

	// No active session. A paused thread gets a resume hint; a bot mention
	// starts a new session; commands that work without a session still run.
	if cmd, ok := commands.Parse(text); ok {
		o.executeCommand(ctx, rt, nil, ev.Post, username, cmd)
		return
	}
	if snap := o.manager.Registry().GetPersistedByThreadID(threadID); snap != nil && ev.Post.RootID != "" {
		o.reply(ctx, rt, ev.Post, "💤 This session is paused. React 🔄 on the session header to resume it.")
		return
	}
	if !rt.adapter.IsBotMentioned(text) {
		return
	}
	o.startSession(ctx, rt, ev.Post, username, rt.adapter.ExtractPrompt(text))
}

func (o *Orchestrator) startSession(ctx context.Context, rt *runtime, post platform.Post, username, prompt string) {
	// A mention can carry a command instead of a prompt ("@bot !help").
	if cmd, ok := commands.Parse(prompt); ok {
		o.executeCommand(ctx, rt, nil, post, username, cmd)
		return
	}

	req := session.StartRequest{
		Adapter:            rt.adapter,
		ChannelID:          post.ChannelID,
		ThreadID:           threadRoot(post),
		Username:           username,
		ThreadMessageCount: o.threadMessageCount(ctx, rt, post),
	}
	stacked, remainder := commands.ParseStacked(prompt)
	req.Prompt = remainder
	for _, cmd := range stacked {
		switch cmd.Name {
		case "cd":
			req.WorkingDir = cmd.Args[0]
		case "worktree":
			req.WorktreeBranch = cmd.Args[0]
		case "permissions":
			req.InteractivePermissions = true
		}
	}

	_, err := o.manager.StartSession(ctx, req)
	switch {
	case err == nil, err == session.ErrSessionExists:
	case err == session.ErrUserNotAllowed:
		o.reply(ctx, rt, post, "⚠️ You are not on the allow list for this bot.")
	default:
		o.log.Error("session start failed", zap.String("threadId", req.ThreadID), zap.Error(err))
		o.reply(ctx, rt, post, "⚠️ Could not start the session: "+err.Error())
	}
}

// handleReaction routes one emoji add. Priority: the update coordinator's
// pending prompt, then the active session owning the post, then resume
// emojis on a paused session's header or lifecycle post.
func (o *Orchestrator) handleReaction(ctx context.Context, rt *runtime, r *platform.ReactionEvent) {
	if r.Action != platform.ReactionAdded {
		return
	}
	if r.UserID == rt.adapter.BotUser().ID {
		return
	}

	if o.update != nil && rt.adapter.IsUserAllowed(r.Username) {
		if o.update.HandleReaction(ctx, r.PostID, r.EmojiName) {
			return
		}
	}

	if s := o.manager.Registry().FindByPost(r.PostID); s != nil {
		s.ApplyReaction(r.PostID, r.EmojiName, r.Username)
		return
	}

	if !platform.IsResumeEmoji(r.EmojiName) || !rt.adapter.IsUserAllowed(r.Username) {
		return
	}
	snap := o.manager.Registry().GetPersistedByPostID(r.PostID)
	if snap == nil || snap.PlatformID != rt.adapter.ID() {
		return
	}
	if _, err := o.manager.Resume(ctx, rt.adapter, snap); err != nil && err != session.ErrSessionExists {
		o.log.Warn("resume via reaction failed", zap.String("sessionId", snap.SessionID), zap.Error(err))
	}
}

// threadMessageCount counts the prior non-bot messages of the thread a
// session is starting in. Zero for a fresh channel-level mention.
func (o *Orchestrator) threadMessageCount(ctx context.Context, rt *runtime, post platform.Post) int {
	if post.RootID == "" {
		return 0
	}
	key := rt.adapter.ID() + ":" + post.RootID
	if v, ok := o.history.Get(key); ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	msgs, err := rt.adapter.ThreadHistory(ctx, post.RootID, platform.ThreadHistoryOptions{ExcludeBotMessages: true})
	if err != nil {
		o.log.Debug("thread history fetch failed", zap.Error(err))
		return 0
	}
	n := 0
	for _, m := range msgs {
		if m.PostID != post.ID {
			n++
		}
	}
	o.history.Set(key, n, gocache.DefaultExpiration)
	return n
}

// lookupUser resolves a username through a short-lived cache; invite/kick
// hit it on every command.
func (o *Orchestrator) lookupUser(ctx context.Context, rt *runtime, username string) *platform.User {
	key := rt.adapter.ID() + ":" + username
	if v, ok := o.users.Get(key); ok {
		u, _ := v.(*platform.User)
		return u
	}
	u, err := rt.adapter.UserByUsername(ctx, username)
	if err != nil {
		return nil
	}
	o.users.Set(key, u, gocache.DefaultExpiration)
	return u
}

func (o *Orchestrator) reply(ctx context.Context, rt *runtime, post platform.Post, text string) {
	if _, err := rt.adapter.CreatePost(ctx, post.ChannelID, text, threadRoot(post)); err != nil {
		o.log.Warn("reply failed", zap.Error(err))
	}
}

func threadRoot(post platform.Post) string {
	if post.RootID != "" {
		return post.RootID
	}
	return post.ID
}

// updateNotifier adapts a platform's home channel to the update
// coordinator's announcement interface.
type updateNotifier struct {
	adapter   platform.Adapter
	channelID string
}

func (n updateNotifier) PostNotice(ctx context.Context, message string) (string, error) {
	p, err := n.adapter.CreatePost(ctx, n.channelID, message, "")
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (n updateNotifier) PostPrompt(ctx context.Context, message string, reactions []string) (string, error) {
	p, err := n.adapter.CreateInteractivePost(ctx, n.channelID, message, reactions, "")
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func (n updateNotifier) DeletePost(ctx context.Context, postID string) error {
	return n.adapter.DeletePost(ctx, postID)
}
