package llm

import "context"

// ClientSummarizer implements Summarizer using a Client and a fixed model.
type ClientSummarizer struct {
	client *Client
	model  string
}

// NewClientSummarizer creates a summarizer bound to the given model.
func NewClientSummarizer(client *Client, model string) *ClientSummarizer {
	return &ClientSummarizer{client: client, model: model}
}

// Summarize sends the prompt as a single user message and returns the text.
func (s *ClientSummarizer) Summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := Retry(ctx, DefaultRetryPolicy(), func(ctx context.Context) (*Response, error) {
		return s.client.Complete(ctx, Request{
			Model:     s.model,
			Messages:  []Message{UserMessage(prompt)},
			MaxTokens: maxTokens,
		})
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}
