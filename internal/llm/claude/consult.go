package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/linnemanlabs/carepath/internal/workflow"
)

// ErrNoAnswer is returned when the reply decodes but carries no answer.
var ErrNoAnswer = errors.New("empty consultation answer")

const consultSystemPrompt = `Bạn là trợ lý hỏi đáp y tế. Trả lời câu hỏi của bệnh nhân một cách chuyên nghiệp
và hữu ích bằng tiếng Việt. Nếu câu hỏi liên quan đến triệu chứng nghiêm trọng, hãy khuyên bệnh nhân đi khám ngay.
Không chẩn đoán thay bác sĩ.
Chỉ trả lời bằng một đối tượng JSON duy nhất có dạng:
{"answer": "..."}`

var _ workflow.Consultant = (*Client)(nil)

// Answer implements workflow.Consultant.
func (c *Client) Answer(ctx context.Context, question, background string) (string, error) {
	prompt := "Hỏi đáp y tế: " + question
	if background != "" {
		prompt += "\nBối cảnh: " + background
	}

	raw, err := c.ask(ctx, consultSystemPrompt, anthropic.NewTextBlock(prompt))
	if err != nil {
		return "", err
	}

	var out struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode consultation: %w", err)
	}
	answer := strings.TrimSpace(out.Answer)
	if answer == "" {
		return "", ErrNoAnswer
	}
	return answer, nil
}
