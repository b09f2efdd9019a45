package openaicompat

import (
	"github.com/nevindra/rlmengine"
)

// ParseResponse converts an OpenAI-format ChatResponse to an rlm
// ChatResponse. It extracts content and usage from choices[0].
func ParseResponse(resp ChatResponse) (rlm.ChatResponse, error) {
	var out rlm.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	if msg := resp.Choices[0].Message; msg != nil {
		out.Content = msg.Content
	}

	if resp.Usage != nil {
		out.Usage = rlm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}
