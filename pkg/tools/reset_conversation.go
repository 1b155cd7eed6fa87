package tools

import "context"

// ConversationResetter is the slice of AgentLoop needed to clear a chat's
// live history; satisfied by *agent.AgentLoop.
type ConversationResetter interface {
	ResetConversation(sessionKey, channel, chatID string)
}

// ResetConversationTool lets the model clear the current chat's history on
// request ("forget everything we've discussed so far").
type ResetConversationTool struct {
	resetter ConversationResetter
}

func NewResetConversationTool(resetter ConversationResetter) *ResetConversationTool {
	return &ResetConversationTool{resetter: resetter}
}

func (t *ResetConversationTool) Name() string { return "reset_conversation" }

func (t *ResetConversationTool) Description() string {
	return "Clear this chat's conversation history and start fresh. Use only when the user explicitly asks to forget the conversation so far."
}

func (t *ResetConversationTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *ResetConversationTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	channel, chatID := getExecutionContext(args)
	if channel == "" || chatID == "" {
		return "Error: no session context available to reset", nil
	}
	sessionKey := channel + ":" + chatID
	t.resetter.ResetConversation(sessionKey, channel, chatID)
	return "Conversation history cleared.", nil
}
