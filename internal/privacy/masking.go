package privacy

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"teamchat/internal/constants"
)

// MaskID masks a message, conversation or sender identifier, keeping the
// local ID prefix so pending entries stay recognisable in logs.
// Example: "local_1700000000000_ab12cd34" -> "local_******************cd34"
func MaskID(id string) string {
	if id == "" {
		return ""
	}
	if strings.HasPrefix(id, constants.LocalIDPrefix) {
		return constants.LocalIDPrefix + maskString(strings.TrimPrefix(id, constants.LocalIDPrefix), 4)
	}
	return maskString(id, 4)
}

// MaskText replaces message content with its length.
// Example: "hello there" -> "[11 chars]"
func MaskText(text string) string {
	if text == "" {
		return ""
	}
	return fmt.Sprintf("[%d chars]", utf8.RuneCountInString(text))
}

// MaskToken hides a credential entirely except for a short tail.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", 8) + token[len(token)-2:]
}

// MaskURL drops the query string, which may carry credentials.
func MaskURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?***"
	}
	return raw
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "local_id", "localId", "message_id", "messageId", "server_id",
			"conversation_id", "conversationId", "sender_id", "senderId":
			masked[k] = MaskID(s)
		case "text", "body", "content":
			masked[k] = MaskText(s)
		case "token", "api_token", "secret", "authorization":
			masked[k] = MaskToken(s)
		case "url", "endpoint":
			masked[k] = MaskURL(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
