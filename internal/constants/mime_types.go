package constants

// MimeTypes maps file extensions to the MIME type assumed for an attachment
// whose sender did not supply one.
var MimeTypes = map[string]string{
	// Image formats
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",

	// Video formats
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",

	// Document formats
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
	".zip":  "application/zip",

	// Audio formats
	".ogg": "audio/ogg",
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".aac": "audio/aac",
	".m4a": "audio/mp4",
}

// DefaultMimeType is the fallback MIME type for unknown file extensions
const DefaultMimeType = "application/octet-stream"

// Message limits
const (
	MaxConversationIDLength = 128
	MaxMessageTextRunes     = 10000
	MaxAttachments          = 10
	MaxAttachmentBytes      = 100 << 20
	MaxAttachmentURLLength  = 2048
)
