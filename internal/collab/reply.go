package collab

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var paragraphBreak = regexp.MustCompile(`\n{2,}`)

type evaluationPayload struct {
	SpokenText  *string         `json:"spoken_text"`
	Speech      *string         `json:"speech"`
	Differences json.RawMessage `json:"differences"`
	Accuracy    json.RawMessage `json:"accuracy"`
	Suggestion  string          `json:"suggestion"`
	Reply       json.RawMessage `json:"reply"`
}

// ParseEvaluation decodes an evaluation reply. The body is either the result
// object itself or a {"reply": ...} envelope whose content is the result
// object as JSON text, optionally inside a ```json fence.
func ParseEvaluation(body []byte) (*Evaluation, error) {
	var p evaluationPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if len(p.Reply) > 0 && !isNull(p.Reply) {
		content, err := replyContent(p.Reply)
		if err != nil {
			return nil, err
		}
		p = evaluationPayload{}
		if err := json.Unmarshal([]byte(StripCodeFence(content)), &p); err != nil {
			return nil, fmt.Errorf("%w: reply is not an evaluation object: %v", ErrMalformedResponse, err)
		}
	}

	eval := &Evaluation{
		Suggestion:       p.Suggestion,
		Accuracy:         scalarText(p.Accuracy),
		MismatchedTokens: tokenList(p.Differences),
	}
	switch {
	case p.SpokenText != nil:
		eval.SpokenText = *p.SpokenText
	case p.Speech != nil:
		eval.SpokenText = *p.Speech
	}

	return eval, nil
}

// ParseTranslation decodes a {"reply": ...} translation envelope into
// reference sentences
func ParseTranslation(body []byte) ([]string, error) {
	var p struct {
		Reply json.RawMessage `json:"reply"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(p.Reply) == 0 || isNull(p.Reply) {
		return nil, fmt.Errorf("%w: missing reply", ErrMalformedResponse)
	}

	content, err := replyContent(p.Reply)
	if err != nil {
		return nil, err
	}
	return SplitSentences(content), nil
}

// SplitSentences strips one pair of surrounding double quotes, splits on
// runs of two or more newlines and drops blank pieces
func SplitSentences(reply string) []string {
	if len(reply) >= 2 && strings.HasPrefix(reply, `"`) && strings.HasSuffix(reply, `"`) {
		reply = reply[1 : len(reply)-1]
	}

	parts := paragraphBreak.Split(reply, -1)
	sentences := make([]string, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		sentences = append(sentences, part)
	}
	return sentences
}

// StripCodeFence removes a surrounding markdown code fence, if any
func StripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:] // language tag line
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// replyContent accepts "text" or {"content": "text"}
func replyContent(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var wrapped struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Content != nil {
		return *wrapped.Content, nil
	}

	return "", fmt.Errorf("%w: unsupported reply shape", ErrMalformedResponse)
}

// scalarText renders a JSON string or number as text
func scalarText(raw json.RawMessage) string {
	if len(raw) == 0 || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(bytes.TrimSpace(raw))
}

// tokenList accepts ["a", "b"] or "a, b"
func tokenList(raw json.RawMessage) []string {
	if len(raw) == 0 || isNull(raw) {
		return []string{}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		tokens := make([]string, 0, len(items))
		for _, item := range items {
			if tok := scalarText(item); tok != "" {
				tokens = append(tokens, tok)
			}
		}
		return tokens
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		tokens := []string{}
		for _, tok := range strings.Split(s, ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens = append(tokens, tok)
			}
		}
		return tokens
	}

	return []string{}
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
