package types

import "time"

// Turn is one prior conversation message forwarded as context
type Turn struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// ChatRequest is the inbound chat turn posted by a client
type ChatRequest struct {
	Model         string   `json:"model"`
	ModelID       string   `json:"modelId"`
	Category      string   `json:"category,omitempty"`
	ExpertModelID string   `json:"expertModelId,omitempty"`
	Message       string   `json:"message"`
	Messages      []Turn   `json:"messages"`
	Images        []string `json:"images,omitempty"`
	Videos        []string `json:"videos,omitempty"`
	Audios        []string `json:"audios,omitempty"`
	Language      string   `json:"language,omitempty"`
}

// SelectedModel returns the model selector, preferring "model" over "modelId"
func (r *ChatRequest) SelectedModel() string {
	if r.Model != "" {
		return r.Model
	}
	return r.ModelID
}

// ExpertLogRecord is one completed exchange of the restricted expert profile
type ExpertLogRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpertID  string    `json:"expertId"`
	Model     string    `json:"model"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"createdAt"`
}

// Usage tracks the size of one relayed response
type Usage struct {
	Chunks int `json:"chunks"`
	Chars  int `json:"chars"`
}
