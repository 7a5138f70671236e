package openai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/at-ishikawa/annotate/internal/inference"
	"resty.dev/v3"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Client struct {
	httpClient       *resty.Client
	baseURL          string
	model            string
	maxRetryAttempts uint
}

func NewClient(baseURL, apiKey, model string, retryAttempts uint, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := resty.New()
	client.SetBaseURL(baseURL)
	if apiKey != "" {
		client.SetHeader("Authorization", "Bearer "+apiKey)
	}
	client.SetHeader("Content-Type", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	return &Client{
		httpClient:       client,
		baseURL:          baseURL,
		model:            model,
		maxRetryAttempts: retryAttempts,
	}
}

func (client *Client) Close() error {
	return client.httpClient.Close()
}

// GetModel returns the model name configured for this client
func (client *Client) GetModel() string {
	return client.model
}

type ChatCompletionRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

type Message struct {
	Role    inference.Role `json:"role"`
	Content []ContentPart  `json:"content"`
}

type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int           `json:"index"`
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type ChoiceMessage struct {
	Role    inference.Role `json:"role"`
	Content string         `json:"content"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// Load implements the inference.Client interface
func (client *Client) Load(ctx context.Context) error {
	return inference.Retry(ctx, client.maxRetryAttempts, func() error {
		response, err := client.httpClient.R().
			SetContext(ctx).
			SetResult(&ModelList{}).
			Get("/models")
		if err != nil {
			return fmt.Errorf("httpClient.Get > %w", err)
		}
		if response.IsError() {
			return &inference.StatusError{StatusCode: response.StatusCode(), Body: response.String()}
		}

		models := response.Result().(*ModelList)
		for _, model := range models.Data {
			if model.ID == client.model {
				slog.Default().Debug("model loaded", "model", model.ID, "ownedBy", model.OwnedBy)
				return nil
			}
		}
		return fmt.Errorf("%w: %s is not served by %s", inference.ErrModelNotFound, client.model, client.baseURL)
	})
}

// Generate implements the inference.Client interface
func (client *Client) Generate(
	ctx context.Context,
	params inference.GenerateRequest,
) (inference.GenerateResponse, error) {
	var result inference.GenerateResponse
	if err := inference.Retry(ctx, client.maxRetryAttempts, func() error {
		response, err := client.generate(ctx, params)
		if err != nil {
			return err
		}
		result = response
		return nil
	}); err != nil {
		return inference.GenerateResponse{}, err
	}
	return result, nil
}

func (client *Client) getRequestBody(params inference.GenerateRequest) (ChatCompletionRequest, error) {
	messages := make([]Message, 0, len(params.Messages))
	nextImage := 0
	for _, message := range params.Messages {
		parts := make([]ContentPart, 0, len(message.Content))
		for _, content := range message.Content {
			switch content.Type {
			case inference.ContentTypeImage:
				if nextImage >= len(params.Images) {
					return ChatCompletionRequest{}, fmt.Errorf("message refers to image #%d but %d images were given", nextImage+1, len(params.Images))
				}
				parts = append(parts, ContentPart{
					Type:     "image_url",
					ImageURL: &ImageURL{URL: params.Images[nextImage].DataURI()},
				})
				nextImage++
			case inference.ContentTypeText:
				parts = append(parts, ContentPart{Type: "text", Text: content.Text})
			}
		}
		messages = append(messages, Message{Role: message.Role, Content: parts})
	}

	return ChatCompletionRequest{
		Model:     client.model,
		Messages:  messages,
		MaxTokens: params.MaxTokens,
	}, nil
}

func (client *Client) generate(ctx context.Context, params inference.GenerateRequest) (inference.GenerateResponse, error) {
	requestBody, err := client.getRequestBody(params)
	if err != nil {
		return inference.GenerateResponse{}, fmt.Errorf("getRequestBody > %w", err)
	}

	response, err := client.httpClient.R().
		SetContext(ctx).
		SetBody(requestBody).
		SetResult(&ChatCompletionResponse{}).
		Post("/chat/completions")
	if err != nil {
		return inference.GenerateResponse{}, fmt.Errorf("httpClient.Post > %w", err)
	}
	if response.IsError() {
		return inference.GenerateResponse{}, &inference.StatusError{StatusCode: response.StatusCode(), Body: response.String()}
	}

	responseBody := response.Result().(*ChatCompletionResponse)
	if responseBody == nil || len(responseBody.Choices) == 0 {
		return inference.GenerateResponse{}, fmt.Errorf("empty response body or choices: %s", response.String())
	}

	content := responseBody.Choices[0].Message.Content
	slog.Default().Debug("chat completion response",
		"model", responseBody.Model,
		"response", content,
		"finishReason", responseBody.Choices[0].FinishReason,
		"completionTokens", responseBody.Usage.CompletionTokens,
	)

	return inference.GenerateResponse{
		Decoded: content,
	}, nil
}
