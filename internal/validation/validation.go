// Package validation checks composed messages before they reach the
// optimistic UI or the offline queue.
package validation

import (
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"teamchat/internal/constants"
	"teamchat/internal/errors"
	"teamchat/internal/models"
)

// ValidateConversationID validates conversation ID format and length
func ValidateConversationID(conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.NewValidationError("conversationId", "conversation id is required")
	}

	if len(conversationID) > constants.MaxConversationIDLength {
		return errors.NewValidationError("conversationId",
			fmt.Sprintf("conversation id too long (max %d characters)", constants.MaxConversationIDLength))
	}

	for _, char := range conversationID {
		if unicode.IsControl(char) {
			return errors.NewValidationError("conversationId", "conversation id contains invalid characters")
		}
	}

	return nil
}

// ValidateMessageText allows blank text only when the message carries
// attachments.
func ValidateMessageText(text string, attachmentCount int) error {
	if strings.TrimSpace(text) == "" && attachmentCount == 0 {
		return errors.NewValidationError("text", "message needs text or at least one attachment")
	}

	if utf8.RuneCountInString(text) > constants.MaxMessageTextRunes {
		return errors.NewValidationError("text",
			fmt.Sprintf("message too long (max %d characters)", constants.MaxMessageTextRunes))
	}

	return nil
}

// ValidateAttachment checks that an attachment points at a fetchable URL and
// that its declared type, MIME type and size agree.
func ValidateAttachment(a models.Attachment) error {
	if err := validateAttachmentURL(a.URL); err != nil {
		return err
	}

	if a.Type != "" && !validAttachmentType(a.Type) {
		return errors.NewValidationError("attachments", fmt.Sprintf("unsupported attachment type: %s", a.Type))
	}

	if a.MimeType != "" {
		mediaType, _, err := mime.ParseMediaType(a.MimeType)
		if err != nil {
			return errors.NewValidationError("attachments", fmt.Sprintf("invalid mime type: %s", a.MimeType))
		}
		if a.Type != "" && !mimeMatchesType(mediaType, a.Type) {
			return errors.NewValidationError("attachments",
				fmt.Sprintf("mime type %s does not match attachment type %s", mediaType, a.Type))
		}
	}

	if a.SizeBytes < 0 {
		return errors.NewValidationError("attachments", "attachment size cannot be negative")
	}

	if a.SizeBytes > constants.MaxAttachmentBytes {
		return errors.NewValidationError("attachments",
			fmt.Sprintf("attachment too large: %d bytes (max %d bytes)", a.SizeBytes, constants.MaxAttachmentBytes))
	}

	return nil
}

// ValidateOutgoing runs every check for a composed message.
func ValidateOutgoing(conversationID, text string, attachments []models.Attachment) error {
	if err := ValidateConversationID(conversationID); err != nil {
		return err
	}
	if err := ValidateMessageText(text, len(attachments)); err != nil {
		return err
	}
	if len(attachments) > constants.MaxAttachments {
		return errors.NewValidationError("attachments",
			fmt.Sprintf("too many attachments (max %d)", constants.MaxAttachments))
	}
	for _, a := range attachments {
		if err := ValidateAttachment(a); err != nil {
			return err
		}
	}
	return nil
}

// NormalizeAttachment fills in a missing MIME type from the file extension
// of the name or URL path.
func NormalizeAttachment(a models.Attachment) models.Attachment {
	if a.MimeType != "" {
		return a
	}
	ext := strings.ToLower(path.Ext(a.Name))
	if ext == "" {
		if u, err := url.Parse(a.URL); err == nil {
			ext = strings.ToLower(path.Ext(u.Path))
		}
	}
	if mimeType, ok := constants.MimeTypes[ext]; ok {
		a.MimeType = mimeType
	} else {
		a.MimeType = constants.DefaultMimeType
	}
	return a
}

func validateAttachmentURL(rawURL string) error {
	if rawURL == "" {
		return errors.NewValidationError("attachments", "attachment url is required")
	}

	if len(rawURL) > constants.MaxAttachmentURLLength {
		return errors.NewValidationError("attachments",
			fmt.Sprintf("attachment url too long (max %d characters)", constants.MaxAttachmentURLLength))
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.NewValidationError("attachments", "invalid attachment url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return errors.NewValidationError("attachments", fmt.Sprintf("unsupported url scheme: %s", u.Scheme))
	}
	if u.Hostname() == "" {
		return errors.NewValidationError("attachments", "attachment url has no host")
	}

	return nil
}

func validAttachmentType(t models.AttachmentType) bool {
	switch t {
	case models.AttachmentTypeImage, models.AttachmentTypeFile, models.AttachmentTypeAudio, models.AttachmentTypeVideo:
		return true
	}
	return false
}

// Files may carry any MIME type.
func mimeMatchesType(mediaType string, t models.AttachmentType) bool {
	switch t {
	case models.AttachmentTypeImage:
		return strings.HasPrefix(mediaType, "image/")
	case models.AttachmentTypeAudio:
		return strings.HasPrefix(mediaType, "audio/")
	case models.AttachmentTypeVideo:
		return strings.HasPrefix(mediaType, "video/")
	}
	return true
}
