// Package commands parses the !command surface of chat messages: session
// control, directory and worktree moves, collaboration, permissions, updates,
// and the dynamic slash-command escape hatch. One ordered pattern list
// decides; the first match wins.
package commands

import (
	"regexp"
	"strings"
)

// Command is one parsed !command.
type Command struct {
	Name string
	Args []string
	// Dynamic marks a catch-all match that is not a built-in: the
	// orchestrator forwards it to the AI as a slash command.
	Dynamic bool
}

// String renders the command back to its chat form. Parsing the result
// yields the same command and args.
func (c *Command) String() string {
	var b strings.Builder
	b.WriteString("!")
	b.WriteString(c.Name)
	for i, arg := range c.Args {
		b.WriteString(" ")
		if i == 0 && (c.Name == "invite" || c.Name == "kick") {
			b.WriteString("@")
		}
		b.WriteString(arg)
	}
	return b.String()
}

// pattern is one registry entry. splitArgs controls whether the captured
// remainder is tokenized or kept as a single argument (free text).
type pattern struct {
	name             string
	re               *regexp.Regexp
	fixedArgs        []string
	splitArgs        bool
	claudeCanExecute bool
	usage            string
	description      string
}

// Ordered: specific forms (worktree list) before general ones (worktree …);
// the dynamic catch-all is handled separately in Parse.
var patterns = []pattern{
	{name: "stop", re: regexp.MustCompile(`^!stop(?:\s|$)`), usage: "!stop", description: "End the session and terminate the AI"},
	{name: "escape", re: regexp.MustCompile(`^!escape(?:\s|$)`), usage: "!escape", description: "Interrupt the AI mid-work (like pressing Esc)"},
	{name: "approve", re: regexp.MustCompile(`^!approve(?:\s|$)`), usage: "!approve", description: "Approve the pending permission request"},
	{name: "help", re: regexp.MustCompile(`^!help(?:\s|$)`), usage: "!help", description: "Show available commands"},
	{name: "release-notes", re: regexp.MustCompile(`^!release-notes(?:\s|$)`), usage: "!release-notes", description: "Show what changed in the current version"},
	{name: "cd", re: regexp.MustCompile(`^!cd\s+(.+)$`), claudeCanExecute: true, usage: "!cd <path>", description: "Change the session working directory"},
	{name: "worktree", re: regexp.MustCompile(`^!worktree\s+list\s*$`), fixedArgs: []string{"list"}, claudeCanExecute: true, usage: "!worktree list", description: "List managed git worktrees"},
	{name: "worktree", re: regexp.MustCompile(`^!worktree\s+(.+)$`), splitArgs: true, usage: "!worktree <branch|cleanup>", description: "Create a worktree for a branch, or clean up the current one"},
	{name: "invite", re: regexp.MustCompile(`^!invite\s+@?(\S+)\s*$`), usage: "!invite @user", description: "Allow a user to participate in this session"},
	{name: "kick", re: regexp.MustCompile(`^!kick\s+@?(\S+)\s*$`), usage: "!kick @user", description: "Remove a user from this session"},
	{name: "permissions", re: regexp.MustCompile(`^!permissions\s+(interactive|auto)\s*$`), usage: "!permissions interactive", description: "Switch tool permissions to interactive approval"},
	{name: "update", re: regexp.MustCompile(`^!update(?:\s+(now|defer))?\s*$`), usage: "!update [now|defer]", description: "Check for updates, install now, or defer"},
	{name: "context", re: regexp.MustCompile(`^!context(?:\s|$)`), usage: "!context", description: "Show the AI's context usage"},
	{name: "cost", re: regexp.MustCompile(`^!cost(?:\s|$)`), usage: "!cost", description: "Show the session cost so far"},
	{name: "compact", re: regexp.MustCompile(`^!compact(?:\s|$)`), usage: "!compact", description: "Compact the AI's conversation context"},
	{name: "plugin", re: regexp.MustCompile(`^!plugin(?:\s+(.+))?$`), splitArgs: true, usage: "!plugin <args>", description: "Manage AI plugins"},
	{name: "kill", re: regexp.MustCompile(`^!kill(?:\s|$)`), usage: "!kill", description: "Force-terminate the AI child immediately"},
	{name: "bug", re: regexp.MustCompile(`^!bug(?:\s+(.+))?$`), claudeCanExecute: true, usage: "!bug [title]", description: "File a bug report from this session"},
}

// catchAll turns any other "!word [args]" into a dynamic slash command.
var catchAll = regexp.MustCompile(`^!([a-zA-Z][\w-]*)(?:\s+(.+))?$`)

// Parse matches the leading !command on trimmed input. Returns false when
// the input is not a command at all.
func Parse(input string) (*Command, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "!") {
		return nil, false
	}

	for i := range patterns {
		p := &patterns[i]
		m := p.re.FindStringSubmatch(input)
		if m == nil {
			continue
		}
		return &Command{Name: p.name, Args: p.args(m)}, true
	}

	if m := catchAll.FindStringSubmatch(input); m != nil {
		cmd := &Command{Name: m[1], Dynamic: true}
		if m[2] != "" {
			cmd.Args = strings.Fields(m[2])
		}
		return cmd, true
	}
	return nil, false
}

func (p *pattern) args(m []string) []string {
	if p.fixedArgs != nil {
		return append([]string(nil), p.fixedArgs...)
	}
	if len(m) < 2 || m[1] == "" {
		return nil
	}
	arg := strings.TrimSpace(m[1])
	if p.splitArgs {
		return strings.Fields(arg)
	}
	return []string{arg}
}

// stackable are the commands that may prefix a first message, in the form
// "!cd X !permissions interactive !worktree X actual prompt…". Each consumes
// a fixed number of tokens so the remainder stays intact.
var stackable = []*regexp.Regexp{
	regexp.MustCompile(`^!cd\s+(\S+)\s*`),
	regexp.MustCompile(`^!permissions\s+(interactive)\b\s*`),
	regexp.MustCompile(`^!worktree\s+(\S+)\s*`),
}

var stackableNames = []string{"cd", "permissions", "worktree"}

// ParseStacked peels stackable commands off the front of a first message and
// returns them with the remaining prompt text.
func ParseStacked(first string) ([]Command, string) {
	rest := strings.TrimSpace(first)
	var cmds []Command

	for {
		matched := false
		for i, re := range stackable {
			m := re.FindStringSubmatch(rest)
			if m == nil {
				continue
			}
			cmds = append(cmds, Command{Name: stackableNames[i], Args: []string{m[1]}})
			rest = strings.TrimSpace(rest[len(m[0]):])
			matched = true
			break
		}
		if !matched {
			return cmds, rest
		}
	}
}

// ParseAIOutput matches a command the AI printed on its own output line.
// Only registry entries flagged as AI-executable are accepted (cd,
// worktree list, bug); everything else is ignored.
func ParseAIOutput(line string) (*Command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "!") {
		return nil, false
	}
	for i := range patterns {
		p := &patterns[i]
		if !p.claudeCanExecute {
			continue
		}
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		return &Command{Name: p.name, Args: p.args(m)}, true
	}
	return nil, false
}

// Info describes one built-in command for help rendering.
type Info struct {
	Usage       string
	Description string
}

// Catalog lists the built-in commands in registry order.
func Catalog() []Info {
	infos := make([]Info, 0, len(patterns))
	for i := range patterns {
		infos = append(infos, Info{Usage: patterns[i].usage, Description: patterns[i].description})
	}
	return infos
}
