package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/commands"
	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/update"
	"github.com/threadline/threadline/internal/worktree"
)

// executeCommand runs one parsed !command. s is nil outside an active
// session; only help, release-notes, and update work then.
func (o *Orchestrator) executeCommand(ctx context.Context, rt *runtime, s *session.Session, post platform.Post, username string, cmd *commands.Command) {
	reply := func(text string) { o.reply(ctx, rt, post, text) }

	switch cmd.Name {
	case "help":
		reply(renderHelp())
		return
	case "release-notes":
		reply(o.renderReleaseNotes())
		return
	case "update":
		o.runUpdateCommand(ctx, cmd.Args, reply)
		return
	}

	if s == nil {
		reply("⚠️ No active session in this thread. Mention me to start one.")
		return
	}
	info, ok := s.Snapshot()
	if !ok {
		reply("⚠️ No active session in this thread. Mention me to start one.")
		return
	}
	if !sessionAllows(info, username) {
		reply(fmt.Sprintf("⚠️ Only @%s (or invited users) can control this session.", info.Username))
		return
	}

	switch cmd.Name {
	case "stop":
		_ = o.manager.Kill(rt.adapter.ID(), info.ThreadID, true, "🛑 Session stopped.")
	case "escape":
		s.Interrupt()
	case "approve":
		s.ApprovePending(username)
	case "kill":
		_ = o.manager.Kill(rt.adapter.ID(), info.ThreadID, false, "⚠️ Session killed. React 🔄 to resume.")
	case "cd":
		reply("⚠️ The working directory is fixed once the session starts. Stack `!cd <path>` in front of the first message.")
	case "worktree":
		o.runWorktreeCommand(ctx, s, info, cmd.Args, reply)
	case "invite":
		if user := o.lookupUser(ctx, rt, cmd.Args[0]); user != nil {
			s.InviteUser(user.Username)
		} else {
			reply(fmt.Sprintf("⚠️ I can't find a user named @%s.", cmd.Args[0]))
		}
	case "kick":
		if user := o.lookupUser(ctx, rt, cmd.Args[0]); user != nil {
			s.KickUser(user.Username)
		} else {
			s.KickUser(cmd.Args[0])
		}
	case "permissions":
		if cmd.Args[0] == "interactive" {
			s.SetInteractivePermissions(true)
		} else {
			// Downgrading the safety net from chat is never allowed.
			reply("⚠️ Switching to automatic permissions is not allowed.")
		}
	case "context", "cost":
		s.SendRaw("/" + cmd.Name)
	case "compact":
		s.MinimizeTasks(true)
		s.SendRaw("/compact")
	case "plugin":
		s.SendRaw(strings.TrimSpace("/plugin " + strings.Join(cmd.Args, " ")))
	case "bug":
		title := strings.Join(cmd.Args, " ")
		if title == "" {
			title = fmt.Sprintf("Bug report from session #%d", info.SessionNumber)
		}
		s.OfferBugReport(title, "", fmt.Sprintf("reported by @%s via !bug", username))
	default:
		if cmd.Dynamic {
			s.SendRaw(strings.TrimSpace("/" + cmd.Name + " " + strings.Join(cmd.Args, " ")))
			return
		}
		o.log.Warn("unhandled command", zap.String("command", cmd.Name))
	}
}

func (o *Orchestrator) runWorktreeCommand(ctx context.Context, s *session.Session, info session.Info, args []string, reply func(string)) {
	if o.worktrees == nil {
		reply("⚠️ Worktree isolation is not configured.")
		return
	}
	switch args[0] {
	case "list":
		lines := o.worktrees.Summary()
		if len(lines) == 0 {
			reply("No managed worktrees.")
			return
		}
		reply("🌳 Managed worktrees:\n" + strings.Join(lines, "\n"))
	case "cleanup":
		o.runWorktreeCleanup(ctx, s, info, reply)
	default:
		reply("⚠️ Worktrees are chosen when the session starts. Stack `!worktree <branch>` in front of the first message.")
	}
}

// runWorktreeCleanup removes the session's worktree, but only for the
// session that created it and only when no other session shares the path.
func (o *Orchestrator) runWorktreeCleanup(ctx context.Context, s *session.Session, info session.Info, reply func(string)) {
	if info.WorktreePath == "" {
		reply("⚠️ This session is not using a worktree.")
		return
	}
	if !info.WorktreeOwner {
		reply("⚠️ Only the session that created this worktree can clean it up.")
		return
	}
	for _, other := range o.manager.Registry().All() {
		if other == s {
			continue
		}
		if oi, ok := other.Snapshot(); ok && oi.WorktreePath == info.WorktreePath {
			reply("⚠️ Another session is still using this worktree.")
			return
		}
	}

	wtInfo := &worktree.Info{WorktreePath: info.WorktreePath, Branch: info.WorktreeBranch}
	if meta, err := worktree.ReadMetadata(info.WorktreePath); err == nil && meta != nil {
		wtInfo.RepoRoot = meta.RepoRoot
	}
	if err := o.worktrees.Remove(ctx, wtInfo); err != nil {
		// The worktree is in an unknown state now; the session can't keep
		// running in it, and a revived snapshot would point at the same
		// directory. End the session and drop the snapshot.
		reply("⚠️ Worktree removal failed: " + err.Error())
		_ = o.manager.Kill(info.PlatformID, info.ThreadID, true, "🛑 Session ended: worktree cleanup failed.")
		return
	}
	reply(fmt.Sprintf("🧹 Worktree `%s` removed.", info.WorktreeBranch))
}

func (o *Orchestrator) runUpdateCommand(ctx context.Context, args []string, reply func(string)) {
	if o.update == nil {
		reply("⚠️ Auto-update is not configured.")
		return
	}
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}
	switch arg {
	case "now":
		// Success never returns; the process exits with the restart code.
		switch err := o.update.InstallNow(ctx); {
		case errors.Is(err, update.ErrNoUpdate):
			reply("✅ Already on the latest version.")
		case err != nil:
			reply("⚠️ Update failed: " + err.Error())
		}
	case "defer":
		o.update.Defer(time.Hour)
		reply("⏸️ Updates deferred for an hour.")
	default:
		res, err := o.update.CheckNow(ctx)
		if err != nil {
			reply("⚠️ Version check failed: " + err.Error())
			return
		}
		if res.UpdateAvailable {
			reply(fmt.Sprintf("⬆️ Version %s is available (running %s). `!update now` installs it.",
				res.LatestVersion, res.CurrentVersion))
			return
		}
		reply(fmt.Sprintf("✅ Up to date (%s).", res.CurrentVersion))
	}
}

func (o *Orchestrator) renderReleaseNotes() string {
	notes := fmt.Sprintf("🧵 threadline %s", o.version)
	if o.cfg.Update.PackageName != "" {
		notes += fmt.Sprintf("\nPackage: `%s` (registry %s)", o.cfg.Update.PackageName, o.cfg.Update.RegistryURL)
	}
	return notes
}

func renderHelp() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, info := range commands.Catalog() {
		fmt.Fprintf(&b, "- `%s`: %s\n", info.Usage, info.Description)
	}
	b.WriteString("- `!<anything>`: forwarded to the AI as a slash command\n")
	return b.String()
}

// sessionAllows mirrors the session's own participant gate: the starter and
// invited users drive; everyone else is read-only.
func sessionAllows(info session.Info, username string) bool {
	if username == info.Username {
		return true
	}
	for _, invited := range info.InvitedUsers {
		if invited == username {
			return true
		}
	}
	return false
}
