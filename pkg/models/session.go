package models

// SessionInfo is the public view of one browser session.
type SessionInfo struct {
	SessionID  string `json:"session_id"`
	VNCURL     string `json:"vnc_url"`
	VNCPort    int    `json:"vnc_port"`
	WebPort    int    `json:"web_port"`
	DisplayNum int    `json:"display_num"`
	State      string `json:"state"`
	AgentState string `json:"agent_state,omitempty"`
}

// SessionListResponse wraps GET /sessions.
type SessionListResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

// RunAgentRequest is the body of POST /agents.
type RunAgentRequest struct {
	Task      string `json:"task" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
	RequestID string `json:"request_id,omitempty"`
	// ExtendSystemPrompt is appended to the driver's system prompt.
	ExtendSystemPrompt string `json:"extend_system_prompt,omitempty"`
	// AvailableFilePaths whitelists local files the agent may upload.
	AvailableFilePaths []string `json:"available_file_paths,omitempty"`
}

// RunAgentResponse is returned once the agent run has finished.
type RunAgentResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
}
