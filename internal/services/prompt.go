package services

import (
	"fmt"

	"github.com/yestoryd/coach-assistant/internal/models"
)

// promptEntry is a provider-neutral chat message.
type promptEntry struct {
	Role    string
	Content string
}

// promptMessages lays out a chat request as the message list LLM providers expect: the trailing
// history followed by the new user message. The system prompt is returned separately because some
// providers take it outside the message list.
func promptMessages(systemPrompt string, req models.ChatRequest) (string, []promptEntry) {
	system := systemPrompt
	if req.UserRole != "" {
		system += fmt.Sprintf("\n\nYou are talking to a %s.", req.UserRole)
	}
	if req.StudentID != "" {
		system += fmt.Sprintf("\nThe question is about the student with ID %s.", req.StudentID)
	}

	msgs := make([]promptEntry, 0, len(req.ChatHistory)+1)
	for _, h := range req.ChatHistory {
		msgs = append(msgs, promptEntry{Role: string(h.Role), Content: h.Content})
	}
	msgs = append(msgs, promptEntry{Role: string(models.RoleUser), Content: req.Message})

	return system, msgs
}

// thinkingStatus is the progress note LLM-backed assistants send before their first fragment.
const thinkingStatus = "Thinking..."
