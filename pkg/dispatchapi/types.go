package dispatchapi

// Task is the public representation of a queued automation instruction.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	OwnerID     string         `json:"owner_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority"`
	Status      string         `json:"status"`
	RetryCount  int            `json:"retry_count"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

// SignedEnvelope is the wire form of a task crossing the trust boundary.
// Payload holds either the plaintext document or the {"encrypted": true}
// marker when EncryptedPayload is set.
type SignedEnvelope struct {
	TaskID           string         `json:"task_id"`
	Type             string         `json:"type"`
	OwnerID          string         `json:"owner_id"`
	Payload          map[string]any `json:"payload"`
	EncryptedPayload string         `json:"encrypted_payload,omitempty"`
	DataHash         string         `json:"data_hash"`
	Priority         int            `json:"priority"`
	CreatedAt        string         `json:"created_at"`
	RetryCount       int            `json:"retry_count"`
	Signature        string         `json:"signature"`
	Timestamp        int64          `json:"timestamp"`
	Nonce            string         `json:"nonce"`
	ProtocolVersion  string         `json:"protocol_version"`
}

type EnqueueTaskRequest struct {
	OwnerID  string         `json:"owner_id"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority,omitempty"`
}

type EnqueueTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type PollTasksResponse struct {
	OwnerID   string           `json:"owner_id"`
	Returned  int              `json:"returned"`
	Envelopes []SignedEnvelope `json:"envelopes"`
}

type ReportStatusRequest struct {
	TaskID string         `json:"task_id"`
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
}

type ReportStatusResponse struct {
	OK             bool   `json:"ok"`
	PreviousStatus string `json:"previous_status"`
}

type HeartbeatResponse struct {
	OK        bool  `json:"ok"`
	Timestamp int64 `json:"timestamp"`
}

type PresenceResponse struct {
	OwnerID       string `json:"owner_id"`
	Online        bool   `json:"online"`
	LastHeartbeat int64  `json:"last_heartbeat,omitempty"`
}

type QueueStatsResponse struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}
