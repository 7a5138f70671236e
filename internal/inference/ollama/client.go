// Package ollama generates answers with an Ollama server. The chat template is applied on
// this side and the prompt is sent in raw mode, so the decoded sequence has the same shape
// as a local full-sequence decode.
package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/at-ishikawa/annotate/internal/inference"
	"resty.dev/v3"
)

type Client struct {
	httpClient       *resty.Client
	model            string
	maxRetryAttempts uint
}

func NewClient(baseURL, model string, retryAttempts uint, timeout time.Duration) *Client {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetHeader("Content-Type", "application/json")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}

	return &Client{
		httpClient:       client,
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

type GenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Images  []string `json:"images,omitempty"`
	Raw     bool     `json:"raw"`
	Stream  bool     `json:"stream"`
	Options Options  `json:"options"`
}

type Options struct {
	NumPredict int `json:"num_predict,omitempty"`
}

type GenerateResponse struct {
	Model           string `json:"model"`
	CreatedAt       string `json:"created_at"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	DoneReason      string `json:"done_reason,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

type ShowRequest struct {
	Model string `json:"model"`
}

type ShowResponse struct {
	Details ModelDetails `json:"details"`
}

type ModelDetails struct {
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

// Load implements the inference.Client interface
func (client *Client) Load(ctx context.Context) error {
	return inference.Retry(ctx, client.maxRetryAttempts, func() error {
		response, err := client.httpClient.R().
			SetContext(ctx).
			SetBody(ShowRequest{Model: client.model}).
			SetResult(&ShowResponse{}).
			Post("/api/show")
		if err != nil {
			return fmt.Errorf("httpClient.Post > %w", err)
		}
		if response.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("%w: %s: %s", inference.ErrModelNotFound, client.model, response.String())
		}
		if response.IsError() {
			return &inference.StatusError{StatusCode: response.StatusCode(), Body: response.String()}
		}

		details := response.Result().(*ShowResponse).Details
		slog.Default().Debug("model loaded",
			"model", client.model,
			"family", details.Family,
			"parameterSize", details.ParameterSize,
			"quantization", details.QuantizationLevel,
		)
		return nil
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

func (client *Client) getRequestBody(params inference.GenerateRequest) GenerateRequest {
	images := make([]string, 0, len(params.Images))
	for _, img := range params.Images {
		images = append(images, img.Base64())
	}

	return GenerateRequest{
		Model:  client.model,
		Prompt: inference.ApplyChatTemplate(params.Messages, true),
		Images: images,
		Raw:    true,
		Stream: false,
		Options: Options{
			NumPredict: params.MaxTokens,
		},
	}
}

func (client *Client) generate(ctx context.Context, params inference.GenerateRequest) (inference.GenerateResponse, error) {
	requestBody := client.getRequestBody(params)

	response, err := client.httpClient.R().
		SetContext(ctx).
		SetBody(requestBody).
		SetResult(&GenerateResponse{}).
		Post("/api/generate")
	if err != nil {
		return inference.GenerateResponse{}, fmt.Errorf("httpClient.Post > %w", err)
	}
	if response.IsError() {
		return inference.GenerateResponse{}, &inference.StatusError{StatusCode: response.StatusCode(), Body: response.String()}
	}

	responseBody := response.Result().(*GenerateResponse)
	if responseBody == nil || !responseBody.Done {
		return inference.GenerateResponse{}, fmt.Errorf("incomplete response body: %s", response.String())
	}

	slog.Default().Debug("generate response",
		"prompt", requestBody.Prompt,
		"images", len(requestBody.Images),
		"response", responseBody.Response,
		"doneReason", responseBody.DoneReason,
		"evalCount", responseBody.EvalCount,
	)

	return inference.GenerateResponse{
		Decoded: requestBody.Prompt + responseBody.Response,
	}, nil
}
