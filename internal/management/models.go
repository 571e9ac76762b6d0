package management

import (
	"relayq/internal/queue"
	"relayq/pkg/models"
)

type EnqueueRequest struct {
	ID         string                 `json:"id"`
	Payload    map[string]interface{} `json:"payload" binding:"required"`
	MaxRetries int                    `json:"max_retries"`
}

type NackRequest struct {
	Reason string `json:"reason"`
}

type ValidateRuleRequest struct {
	Expression string `json:"expression" binding:"required"`
}

type ValidateRuleResponse struct {
	Expression string `json:"expression"`
	Valid      bool   `json:"valid"`
}

type MessageState struct {
	ID    string      `json:"id"`
	Queue string      `json:"queue"`
	State queue.State `json:"state"`
}

type AckResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type NackResponse struct {
	ID          string            `json:"id"`
	Disposition queue.Disposition `json:"disposition"`
}

type StatsResponse struct {
	Queue string `json:"queue"`
	queue.Stats
	// ArchivedDeadLetters is set when a dead-letter archive is configured.
	ArchivedDeadLetters *int64 `json:"archived_dead_letters,omitempty"`
}

type DeadLettersResponse struct {
	Queue    string           `json:"queue"`
	Count    int              `json:"count"`
	Messages []models.Message `json:"messages"`
}
