package discussion

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelmux/modelmux/pkg/events"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// Continuation context shaping limits.
const (
	maxContextProposals = 3
	proposalExcerptLen  = 500
)

// ContinueDiscussion creates a new session that picks up where a
// completed parent left off. The stored topic stays short for display;
// the prompt-facing topic, carrying the parent's summary and final
// proposals, lives in metadata under full_context_topic. The parent
// link forms a DAG: a session never continues from itself and only
// completed parents qualify.
func (e *Executor) ContinueDiscussion(ctx context.Context, parentID, followUpTopic, additionalContext string, providers []string) (*models.DiscussionSession, error) {
	parent, err := e.store.GetDiscussionSession(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Status != models.SessionCompleted {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNotContinuable, parentID, parent.Status)
	}

	parentMessages, err := e.store.GetDiscussionMessages(ctx, parentID, nil)
	if err != nil {
		return nil, err
	}
	fullTopic := buildContinuationTopic(parent, parentMessages, followUpTopic, additionalContext)

	useProviders := providers
	if len(useProviders) == 0 {
		useProviders = parent.Providers
	}

	cfg := models.DiscussionConfig{
		ProviderTimeoutS: parent.Config.ProviderTimeoutS,
		RoundTimeoutS:    parent.Config.RoundTimeoutS,
		MaxRounds:        2,
	}

	session := models.NewDiscussionSession(followUpTopic, useProviders, cfg)
	session.ParentSessionID = parentID
	session.Metadata = map[string]any{
		"parent_session_id":  parentID,
		"parent_topic":       parent.Topic,
		"full_context_topic": fullTopic,
	}
	if err := e.store.CreateDiscussionSession(ctx, session); err != nil {
		return nil, err
	}

	e.publish(events.EventDiscussionContinued, map[string]any{
		"session_id":        session.ID,
		"parent_session_id": parentID,
		"topic":             followUpTopic,
		"providers":         useProviders,
	})
	e.logger.Info("Discussion continued",
		"session_id", session.ID,
		"parent_session_id", parentID)

	return session, nil
}

// RunContinuedDiscussion runs a continuation session, swapping the
// full context topic in for prompt building. The short topic stays on
// the session row and is recorded as display_topic afterwards.
func (e *Executor) RunContinuedDiscussion(ctx context.Context, sessionID string) (*models.DiscussionSession, error) {
	session, err := e.store.GetDiscussionSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	override, _ := session.Metadata["full_context_topic"].(string)

	result, err := e.run(ctx, sessionID, override)
	if err != nil {
		return nil, err
	}

	if override != "" {
		meta := make(map[string]any, len(session.Metadata)+1)
		for k, v := range session.Metadata {
			meta[k] = v
		}
		meta["display_topic"] = session.Topic
		if err := e.store.UpdateDiscussionSession(ctx, sessionID, store.SessionUpdate{Metadata: meta}); err != nil {
			e.logger.Warn("Failed to record display topic", "session_id", sessionID, "error", err)
		}
	}
	return result, nil
}

// buildContinuationTopic composes the prompt-facing topic for a
// continuation: the follow-up question first, then the parent's topic,
// summary, and up to three final proposals truncated to excerpts.
func buildContinuationTopic(parent *models.DiscussionSession, parentMessages []*models.DiscussionMessage, followUpTopic, additionalContext string) string {
	var b strings.Builder
	b.WriteString("This is a continuation of a previous discussion.")
	fmt.Fprintf(&b, "\n## Previous Discussion Topic\n%s", parent.Topic)

	if parent.Summary != "" {
		fmt.Fprintf(&b, "\n## Previous Discussion Summary\n%s", parent.Summary)
	}

	finals := completedInRound(parentMessages, 3)
	if len(finals) > 0 {
		b.WriteString("\n## Final Proposals from Previous Discussion")
		if len(finals) > maxContextProposals {
			finals = finals[:maxContextProposals]
		}
		for _, msg := range finals {
			fmt.Fprintf(&b, "\n### %s:\n%s", msg.Provider, ellipsize(msg.Content, proposalExcerptLen))
		}
	}

	if additionalContext != "" {
		fmt.Fprintf(&b, "\n## Additional Context\n%s", additionalContext)
	}

	return fmt.Sprintf(`## Follow-up Discussion

**New Topic**: %s

%s

---

Please provide your analysis and recommendations for this follow-up topic, building upon the previous discussion.`, followUpTopic, b.String())
}
