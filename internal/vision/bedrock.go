package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/ignite/inbox-intel/internal/pkg/retry"
)

// BedrockConfig selects the model and region.
type BedrockConfig struct {
	ModelID     string  `yaml:"model_id"`
	Region      string  `yaml:"region"`
	Profile     string  `yaml:"profile"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type modelInvoker interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockInvoker calls an Anthropic model on Bedrock with one image block
// followed by the instructions.
type BedrockInvoker struct {
	client modelInvoker
	cfg    BedrockConfig
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// NewBedrockInvoker loads AWS config for cfg.Region.
func NewBedrockInvoker(ctx context.Context, cfg BedrockConfig) (*BedrockInvoker, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return newBedrockInvoker(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

func newBedrockInvoker(client modelInvoker, cfg BedrockConfig) *BedrockInvoker {
	if cfg.ModelID == "" {
		cfg.ModelID = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1500
	}
	return &BedrockInvoker{client: client, cfg: cfg}
}

// Invoke returns the concatenated text blocks of the reply.
func (b *BedrockInvoker) Invoke(ctx context.Context, img Image, instructions string) (string, error) {
	if len(img.Data) == 0 {
		return "", retry.Permanent(errors.New("bedrock: image data is empty"))
	}
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "image/png"
	}

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        b.cfg.MaxTokens,
		Temperature:      b.cfg.Temperature,
		Messages: []bedrockMessage{{
			Role: "user",
			Content: []contentBlock{
				{Type: "image", Source: &imageSource{
					Type:      "base64",
					MediaType: mediaType,
					Data:      base64.StdEncoding.EncodeToString(img.Data),
				}},
				{Type: "text", Text: instructions},
			},
		}},
	})
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to marshal request: %w", err))
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.cfg.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", classify(fmt.Errorf("bedrock invoke model: %w", err))
	}

	var resp bedrockResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return "", retry.Permanent(fmt.Errorf("failed to parse response: %w", err))
	}
	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return text.String(), nil
}

// classify marks request and credential errors as permanent. Throttling
// and service errors stay retryable.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ValidationException", "AccessDeniedException",
			"ResourceNotFoundException", "UnrecognizedClientException":
			return retry.Permanent(err)
		}
	}
	return err
}
