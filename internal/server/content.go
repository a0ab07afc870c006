package server

import (
	"github.com/tidwall/gjson"

	gateway "github.com/eugener/gandalf/internal"
)

// extractRequestText concatenates the plain-text content of every message so
// guardrails providers (blocklist, PII, moderation) have a single string to
// evaluate. Content may be a bare JSON string or an array of content parts
// ({"type":"text","text":"..."}); non-text parts (images, audio) are skipped.
func extractRequestText(messages []gateway.Message) string {
	var out []byte
	for _, m := range messages {
		out = appendContentText(out, m.Content)
	}
	return string(out)
}

func appendContentText(out []byte, content []byte) []byte {
	if len(content) == 0 {
		return out
	}
	parsed := gjson.ParseBytes(content)
	switch {
	case parsed.IsArray():
		parsed.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				if len(out) > 0 {
					out = append(out, ' ')
				}
				out = append(out, t.String()...)
			}
			return true
		})
	case parsed.Type == gjson.String:
		if len(out) > 0 {
			out = append(out, ' ')
		}
		out = append(out, parsed.String()...)
	}
	return out
}

// extractResponseText concatenates the assistant message content across a
// ChatResponse's choices for output-direction guardrails evaluation.
func extractResponseText(resp *gateway.ChatResponse) string {
	var out []byte
	for _, c := range resp.Choices {
		out = appendContentText(out, c.Message.Content)
	}
	return string(out)
}

// extractChunkDeltaText pulls choices[0].delta.content out of a raw SSE data
// payload, returning "" for chunks that carry no text delta (tool calls,
// role-only chunks, usage-only final chunks).
func extractChunkDeltaText(data []byte) string {
	return gjson.GetBytes(data, "choices.0.delta.content").String()
}
