package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// postJSON sends body as JSON and decodes a 2xx reply into out. Non-2xx
// replies come back as *StatusError.
func postJSON(ctx context.Context, client *http.Client, provider, url, bearer string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s encode request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s build request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", provider, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("%s read response: %w", provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Provider: provider, Code: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s decode response: %w", provider, err)
	}
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletion struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c chatCompletion) text() (string, error) {
	if len(c.Choices) == 0 {
		return "", fmt.Errorf("completion has no choices")
	}
	return c.Choices[0].Message.Content, nil
}

const answerSystemPrompt = "Answer from the supplied knowledge base excerpts only. Cite each excerpt you rely on by its source title. Say so plainly when the excerpts do not cover the question."

// chatMessages puts the retrieved excerpts after the question in the user turn.
func chatMessages(req GenerateRequest) []chatMessage {
	var b bytes.Buffer
	b.WriteString(req.Prompt)
	for i, block := range req.Context {
		if i == 0 {
			b.WriteString("\n\nExcerpts:")
		}
		b.WriteString("\n\n")
		b.WriteString(block)
	}
	return []chatMessage{
		{Role: "system", Content: answerSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}
