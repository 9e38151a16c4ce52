package discussion

import (
	"fmt"
	"strings"

	"github.com/modelmux/modelmux/pkg/models"
)

// buildProposalPrompt asks one provider for its round-1 proposal.
func buildProposalPrompt(topic string) string {
	return fmt.Sprintf(`You are participating in a multi-AI collaborative discussion.

**Topic**: %s

**Your Role**: Provide your initial proposal or analysis on this topic.

**Instructions**:
1. Analyze the topic thoroughly
2. Present your perspective, approach, or solution
3. Be specific and actionable
4. Consider potential challenges and trade-offs
5. Keep your response focused and well-structured

Please provide your proposal:`, topic)
}

// buildReviewPrompt asks one provider to review the other providers'
// round-1 proposals.
func buildReviewPrompt(topic string, proposals []*models.DiscussionMessage) string {
	var text strings.Builder
	for _, msg := range proposals {
		fmt.Fprintf(&text, "\n### Proposal from %s:\n%s\n", msg.Provider, msg.Content)
	}

	return fmt.Sprintf(`You are participating in a multi-AI collaborative discussion.

**Topic**: %s

**Your Role**: Review and provide feedback on the proposals from other AI participants.

**Other Proposals**:
%s

**Instructions**:
1. Analyze each proposal's strengths and weaknesses
2. Identify areas of agreement and disagreement
3. Suggest improvements or alternatives
4. Point out any missing considerations
5. Be constructive and specific in your feedback

Please provide your review:`, topic, text.String())
}

// buildRevisionPrompt asks one provider to revise its own round-1
// proposal in light of the round-2 feedback from the others.
func buildRevisionPrompt(topic string, original *models.DiscussionMessage, feedback []*models.DiscussionMessage) string {
	var text strings.Builder
	for _, msg := range feedback {
		fmt.Fprintf(&text, "\n### Feedback from %s:\n%s\n", msg.Provider, msg.Content)
	}

	return fmt.Sprintf(`You are participating in a multi-AI collaborative discussion.

**Topic**: %s

**Your Role**: Revise your original proposal based on the feedback received.

**Your Original Proposal**:
%s

**Feedback Received**:
%s

**Instructions**:
1. Consider all feedback carefully
2. Incorporate valid suggestions
3. Address concerns raised by others
4. Explain any changes you made
5. Present your revised proposal clearly

Please provide your revised proposal:`, topic, original.Content, text.String())
}

// buildSummaryPrompt asks a single provider to synthesize the whole
// transcript. Only completed messages appear; a round with no
// completed messages contributes no section.
func buildSummaryPrompt(topic string, providers []string, messages []*models.DiscussionMessage) string {
	var text strings.Builder
	text.WriteString("## Round 1: Initial Proposals\n")
	for _, msg := range completedInRound(messages, 1) {
		fmt.Fprintf(&text, "\n### %s:\n%s\n", msg.Provider, msg.Content)
	}

	if reviews := completedInRound(messages, 2); len(reviews) > 0 {
		text.WriteString("\n## Round 2: Reviews and Feedback\n")
		for _, msg := range reviews {
			fmt.Fprintf(&text, "\n### %s:\n%s\n", msg.Provider, msg.Content)
		}
	}

	if revisions := completedInRound(messages, 3); len(revisions) > 0 {
		text.WriteString("\n## Round 3: Revised Proposals\n")
		for _, msg := range revisions {
			fmt.Fprintf(&text, "\n### %s:\n%s\n", msg.Provider, msg.Content)
		}
	}

	return fmt.Sprintf(`You are the orchestrator of a multi-AI collaborative discussion.

**Topic**: %s

**Participants**: %s

**Full Discussion**:
%s

**Your Task**: Synthesize the discussion and provide a comprehensive summary.

**Instructions**:
1. Identify key points of consensus among participants
2. Highlight areas of disagreement and different perspectives
3. Extract the most valuable insights and recommendations
4. Provide a clear, actionable conclusion
5. Note any unresolved questions or areas needing further exploration

Please provide your summary:`, topic, strings.Join(providers, ", "), text.String())
}

// completedInRound returns the round's messages that produced content.
func completedInRound(messages []*models.DiscussionMessage, round int) []*models.DiscussionMessage {
	out := make([]*models.DiscussionMessage, 0, len(messages))
	for _, m := range messages {
		if m.RoundNumber == round && m.Status == models.MessageCompleted {
			out = append(out, m)
		}
	}
	return out
}

// ellipsize truncates s to max bytes, marking the cut.
func ellipsize(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
