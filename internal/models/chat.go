package models

// Conversation is the persisted header of a coach's assistant conversation. Its messages are stored
// separately, keyed by the conversation ID.
type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CoachID   string `json:"coachId"`
	StudentID string `json:"studentId,omitempty"`
}

// ChatRequest is the body of a single chat submission. One request is issued per user turn.
type ChatRequest struct {
	Message string `json:"message"`
	// StudentID optionally narrows the question to one student.
	StudentID string `json:"studentId,omitempty"`
	// UserRole tags the caller's role, for example "coach" or "parent".
	UserRole string `json:"userRole"`
	// UserEmail identifies the caller.
	UserEmail string `json:"userEmail"`
	// ChatHistory is a short trailing window of prior turns, oldest first.
	ChatHistory []HistoryEntry `json:"chatHistory,omitempty"`
}

// Reply is the non-streaming body some assistant endpoints answer with. It carries either the full
// response text or an error.
type Reply struct {
	Response string  `json:"response,omitempty"`
	Children []Child `json:"children,omitempty"`
	Error    string  `json:"error,omitempty"`
}
