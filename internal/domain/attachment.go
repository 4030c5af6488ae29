package domain

import "time"

// AllowedAttachmentMIME is the fixed image allowlist attachments must match.
var AllowedAttachmentMIME = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
	"image/webp": true,
}

// Attachment is an uploaded file tracked under the managed attachments dir.
type Attachment struct {
	ID       string
	Filename string
	MIMEType string
	Size     int64
	Path     string
	Data     string // optional base64 payload, only populated on upload response
	Created  time.Time
}

// Expired reports whether the attachment is older than retention.
func (a *Attachment) Expired(now time.Time, retention time.Duration) bool {
	return now.Sub(a.Created) > retention
}

// Topic identifies what a subscription is listening to.
type Topic string

const PresenceTopic Topic = "presence"

// LogsTopic builds the per-agent log subscription topic.
func LogsTopic(agent string) Topic {
	return Topic("agent/" + agent + "/logs")
}

// Subscription ties a subscriber connection to a topic for its lifetime.
type Subscription struct {
	ConnID string
	Topic  Topic
}
