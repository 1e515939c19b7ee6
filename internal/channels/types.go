// Package channels defines the inbound/outbound message model, the
// adapter contract the run core delivers through, and the two delivery
// strategies: plain enqueue and edit-in-place.
package channels

import (
	"context"
	"strings"
	"time"
)

// PeerKind mirrors the session-key vocabulary.
const (
	PeerDM    = "dm"
	PeerGroup = "group"
)

// Peer identifies the conversation counterpart on a channel.
type Peer struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Sender identifies who wrote an inbound message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// InboundMessage is the immutable record a channel delivers to intake.
type InboundMessage struct {
	Channel   string            `json:"channel"`
	Account   string            `json:"account"`
	Peer      Peer              `json:"peer"`
	Sender    Sender            `json:"sender"`
	MessageID string            `json:"message_id"`
	Text      string            `json:"text"`
	Timestamp time.Time         `json:"timestamp"`
	ReplyToID string            `json:"reply_to_id,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Control meta keys recognized by intake.
const (
	MetaControl         = "control"
	ControlAbort        = "abort"
	ControlKeepalive    = "keepalive"
	MetaKeepaliveAnswer = "answer"
	KeepaliveWait       = "wait"
	KeepaliveStop       = "stop"

	// MetaAgent targets a specific agent; MetaQueueMode and MetaModel,
	// MetaEngine, MetaCwd override resolution for this message.
	MetaAgent     = "agent"
	MetaQueueMode = "queue_mode"
	MetaModel     = "model"
	MetaEngine    = "engine"
	MetaCwd       = "cwd"
)

// Attachment is one media item on an outbound message.
type Attachment struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// Button is an interactive control rendered with a message, for channels
// whose transport supports it.
type Button struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Button actions the router understands when clicks come back inbound.
const (
	ActionAbort         = "abort"
	ActionKeepaliveWait = "keepalive:wait"
	ActionKeepaliveStop = "keepalive:stop"
)

// OutboundMessage is one delivery to a channel transport.
type OutboundMessage struct {
	Channel string            `json:"channel"`
	Account string            `json:"account"`
	Peer    Peer              `json:"peer"`
	Text    string            `json:"text"`
	Media   []Attachment      `json:"media,omitempty"`
	Buttons []Button          `json:"buttons,omitempty"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Transport sends messages out. Implementations are the real channel
// bindings (websocket gateway, webhook poster, test capture).
type Transport interface {
	// SendMessage delivers msg and returns a transport message id usable
	// for later edits, or "" when the transport cannot address messages.
	SendMessage(ctx context.Context, msg OutboundMessage) (string, error)
}

// EditTransport extends Transport with in-place edits.
type EditTransport interface {
	Transport
	EditMessage(ctx context.Context, account string, peer Peer, messageID string, text string, buttons []Button) error
}

// mediaPrefix marks answer lines that carry a file path or URL to send
// as an attachment instead of text.
const mediaPrefix = "MEDIA:"

// SplitMedia separates MEDIA: lines from an answer. The returned text
// keeps everything else; each MEDIA: line becomes one attachment.
func SplitMedia(answer string) (string, []Attachment) {
	if !strings.Contains(answer, mediaPrefix) {
		return answer, nil
	}
	var (
		kept  []string
		media []Attachment
	)
	for _, line := range strings.Split(answer, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, mediaPrefix) {
			ref := strings.TrimSpace(strings.TrimPrefix(trimmed, mediaPrefix))
			if ref != "" {
				media = append(media, Attachment{URL: ref})
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n")), media
}

// BatchMedia splits attachments into groups of at most size per outbound
// call.
func BatchMedia(media []Attachment, size int) [][]Attachment {
	if size <= 0 || len(media) == 0 {
		return nil
	}
	var out [][]Attachment
	for start := 0; start < len(media); start += size {
		end := start + size
		if end > len(media) {
			end = len(media)
		}
		out = append(out, media[start:end])
	}
	return out
}
