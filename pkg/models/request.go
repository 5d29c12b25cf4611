package models

// ChatMessage represents a single message in a chat conversation.
// Content is either a plain string or a slice of ContentPart for
// image-capable requests.
type ChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image for vision models.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// TextMessage builds a plain-text chat message.
func TextMessage(role, text string) ChatMessage {
	return ChatMessage{Role: role, Content: text}
}

// PartsMessage builds a multi-part chat message.
func PartsMessage(role string, parts ...ContentPart) ChatMessage {
	return ChatMessage{Role: role, Content: parts}
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
}
