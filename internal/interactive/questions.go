package interactive

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/threadline/threadline/internal/message"
	"github.com/threadline/threadline/internal/platform"
	"github.com/threadline/threadline/internal/session/store"
)

// QuestionFlow walks a multi-choice question set one prompt at a time and
// produces a single compound tool result at the end.
type QuestionFlow struct {
	ToolUseID     string
	Questions     []message.Question
	CurrentIndex  int
	CurrentPostID string
	// answers holds the 1-based chosen option per question; 0 = unanswered.
	answers []int
}

// NewQuestionFlow builds an unposted flow.
func NewQuestionFlow(toolUseID string, questions []message.Question) *QuestionFlow {
	return &QuestionFlow{
		ToolUseID: toolUseID,
		Questions: questions,
		answers:   make([]int, len(questions)),
	}
}

// Done reports whether every question is answered.
func (q *QuestionFlow) Done() bool {
	return q.CurrentIndex >= len(q.Questions)
}

// PostCurrent posts the current question with digit reactions.
func (q *QuestionFlow) PostCurrent(ctx context.Context, th Thread) error {
	if q.Done() {
		return nil
	}
	question := q.Questions[q.CurrentIndex]

	var sb strings.Builder
	if question.Header != "" {
		sb.WriteString(th.Formatter.Bold(question.Header))
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("❓ %s (%d/%d)\n\n", question.Prompt, q.CurrentIndex+1, len(q.Questions)))

	reactions := make([]string, 0, len(question.Options))
	for i, option := range question.Options {
		sb.WriteString(fmt.Sprintf("%s %s\n", platform.DigitColon(i+1), option))
		if name, ok := platform.DigitEmoji(i + 1); ok {
			reactions = append(reactions, name)
		}
	}
	sb.WriteString("\nReact or reply with the option number.")

	post, err := th.Prompter.CreateInteractivePost(ctx, th.ChannelID, sb.String(), reactions, th.ThreadID)
	if err != nil {
		return err
	}
	q.CurrentPostID = post.ID
	return nil
}

// HandleReaction answers the current question from a digit emoji. Returns
// whether the reaction was consumed.
func (q *QuestionFlow) HandleReaction(postID, emoji string) bool {
	if q.Done() || postID != q.CurrentPostID {
		return false
	}
	n, ok := platform.DigitFromEmoji(emoji)
	if !ok {
		return false
	}
	return q.answer(n)
}

// HandleReply answers the current question from a number-prefixed text reply
// ("2" or "2 because reasons").
func (q *QuestionFlow) HandleReply(text string) bool {
	if q.Done() {
		return false
	}
	field := strings.Fields(strings.TrimSpace(text))
	if len(field) == 0 {
		return false
	}
	n, err := strconv.Atoi(field[0])
	if err != nil {
		return false
	}
	return q.answer(n)
}

func (q *QuestionFlow) answer(n int) bool {
	question := q.Questions[q.CurrentIndex]
	if n < 1 || n > len(question.Options) {
		return false
	}
	q.answers[q.CurrentIndex] = n
	q.CurrentIndex++
	q.CurrentPostID = ""
	return true
}

// ResultPayload renders the compound tool result once every question is
// answered.
func (q *QuestionFlow) ResultPayload() string {
	var sb strings.Builder
	for i, question := range q.Questions {
		if i > 0 {
			sb.WriteString("\n")
		}
		label := question.Prompt
		if question.Header != "" {
			label = question.Header + ": " + label
		}
		choice := q.answers[i]
		if choice >= 1 && choice <= len(question.Options) {
			sb.WriteString(fmt.Sprintf("%s → %s", label, question.Options[choice-1]))
		} else {
			sb.WriteString(fmt.Sprintf("%s → (unanswered)", label))
		}
	}
	return sb.String()
}

// Expired: question sets carry no deadline; the AI waits.
func (q *QuestionFlow) Expired(time.Time) bool { return false }

// Snapshot exports the pending state for persistence.
func (q *QuestionFlow) Snapshot() *store.PendingQuestionsSnapshot {
	snap := &store.PendingQuestionsSnapshot{
		ToolUseID:     q.ToolUseID,
		CurrentIndex:  q.CurrentIndex,
		CurrentPostID: q.CurrentPostID,
		Questions:     make([]store.QuestionSnapshot, len(q.Questions)),
	}
	for i, question := range q.Questions {
		snap.Questions[i] = store.QuestionSnapshot{
			Header:  question.Header,
			Prompt:  question.Prompt,
			Options: question.Options,
			Answer:  q.answers[i],
		}
	}
	return snap
}

// QuestionFlowFromSnapshot rehydrates after a restart.
func QuestionFlowFromSnapshot(snap *store.PendingQuestionsSnapshot) *QuestionFlow {
	q := &QuestionFlow{
		ToolUseID:     snap.ToolUseID,
		CurrentIndex:  snap.CurrentIndex,
		CurrentPostID: snap.CurrentPostID,
		Questions:     make([]message.Question, len(snap.Questions)),
		answers:       make([]int, len(snap.Questions)),
	}
	for i, qs := range snap.Questions {
		q.Questions[i] = message.Question{Header: qs.Header, Prompt: qs.Prompt, Options: qs.Options}
		q.answers[i] = qs.Answer
	}
	return q
}
