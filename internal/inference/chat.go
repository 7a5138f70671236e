package inference

import (
	"regexp"
	"strings"

	"github.com/at-ishikawa/annotate/internal/vision"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ContentType string

const (
	ContentTypeImage ContentType = "image"
	ContentTypeText  ContentType = "text"
)

type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

type Message struct {
	Role    Role      `json:"role"`
	Content []Content `json:"content"`
}

// Llama 3.2 vision-instruct control tokens
const (
	BeginOfText    = "<|begin_of_text|>"
	StartHeaderID  = "<|start_header_id|>"
	EndHeaderID    = "<|end_header_id|>"
	EndOfTurnID    = "<|eot_id|>"
	ImagePlacement = "<|image|>"
)

// NewQuestionRequest builds a single user turn asking question, about img when it is not nil.
func NewQuestionRequest(question string, img *vision.Image, maxTokens int) GenerateRequest {
	var content []Content
	var images []*vision.Image
	if img != nil {
		content = append(content, Content{Type: ContentTypeImage})
		images = append(images, img)
	}
	content = append(content, Content{Type: ContentTypeText, Text: question})

	return GenerateRequest{
		Messages: []Message{
			{Role: RoleUser, Content: content},
		},
		Images:    images,
		MaxTokens: maxTokens,
	}
}

// ApplyChatTemplate renders messages in the Llama 3.2 vision-instruct chat format.
func ApplyChatTemplate(messages []Message, addGenerationPrompt bool) string {
	var buf strings.Builder
	buf.WriteString(BeginOfText)
	for _, message := range messages {
		writeHeader(&buf, message.Role)
		for _, content := range message.Content {
			switch content.Type {
			case ContentTypeImage:
				buf.WriteString(ImagePlacement)
			case ContentTypeText:
				buf.WriteString(strings.TrimSpace(content.Text))
			}
		}
		buf.WriteString(EndOfTurnID)
	}
	if addGenerationPrompt {
		writeHeader(&buf, RoleAssistant)
	}
	return buf.String()
}

func writeHeader(buf *strings.Builder, role Role) {
	buf.WriteString(StartHeaderID)
	buf.WriteString(string(role))
	buf.WriteString(EndHeaderID)
	buf.WriteString("\n\n")
}

var answerPattern = regexp.MustCompile(`(?s)^.*` + regexp.QuoteMeta(EndHeaderID) + `(.*?)(` + regexp.QuoteMeta(EndOfTurnID) + `)?$`)

// ExtractAnswer returns the assistant's reply from a decoded output sequence:
// the text after the last header-end marker, without a trailing end-of-turn marker.
func ExtractAnswer(decoded string) string {
	return strings.TrimSpace(answerPattern.ReplaceAllString(strings.TrimSpace(decoded), "$1"))
}
