package api

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	WorkspaceName string `json:"workspace_name"`
	AutoApprove   bool   `json:"auto_approve"`
}

// AutoApproveRequest is the body of POST /api/v1/sessions/:sid/auto-approve.
type AutoApproveRequest struct {
	Enabled bool `json:"enabled"`
}

// JobDescriptionRequest is the body of POST /api/v1/sessions/:sid/jd.
// At least one of Text and URL must be set.
type JobDescriptionRequest struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// SubmitMessageRequest is the body of POST /api/v1/sessions/:sid/messages.
type SubmitMessageRequest struct {
	Message        string `json:"message" binding:"required"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ApproveRequest is the body of POST .../approvals/:aid/approve.
type ApproveRequest struct {
	ApplyToFuture bool `json:"apply_to_future"`
}
