package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// notification mirrors the provider's webhook payload, trimmed to the
// fragments this service consumes.
type notification struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"` // business account id
	Changes []change `json:"changes"`
}

type change struct {
	Field string      `json:"field"` // messages, message_template_status_update, phone_number_quality_update
	Value changeValue `json:"value"`
}

type changeValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`

	Contacts []waContact     `json:"contacts"`
	Messages []inboundRecord `json:"messages"`
	Statuses []statusRecord  `json:"statuses"`

	// Template review decisions.
	Event                   string `json:"event"`
	MessageTemplateName     string `json:"message_template_name"`
	MessageTemplateLanguage string `json:"message_template_language"`
	Reason                  string `json:"reason"`

	// Phone quality updates.
	CurrentLimit string `json:"current_limit"`
	DisplayPhone string `json:"display_phone_number"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// inboundRecord is one customer message inside a notification.
type inboundRecord struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`

	Image    *inboundMedia `json:"image,omitempty"`
	Video    *inboundMedia `json:"video,omitempty"`
	Audio    *inboundMedia `json:"audio,omitempty"`
	Document *inboundMedia `json:"document,omitempty"`
	Sticker  *inboundMedia `json:"sticker,omitempty"`

	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location,omitempty"`

	Reaction *struct {
		MessageID string `json:"message_id"`
		Emoji     string `json:"emoji"`
	} `json:"reaction,omitempty"`

	Interactive *struct {
		Type        string `json:"type"`
		ButtonReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply,omitempty"`
		ListReply *struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`

	Context *struct {
		From string `json:"from"`
		ID   string `json:"id"`
	} `json:"context,omitempty"`
}

type inboundMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// statusRecord is one delivery receipt.
type statusRecord struct {
	ID          string `json:"id"` // upstream message id
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`

	Errors []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
		Details string `json:"error_data,omitempty"`
	} `json:"errors,omitempty"`

	Conversation *struct {
		ID     string `json:"id"`
		Origin struct {
			Type string `json:"type"`
		} `json:"origin"`
	} `json:"conversation,omitempty"`
}

// Event kinds routed to the typed queues.
const (
	EventKindStatus   = "status"
	EventKindInbound  = "inbound"
	EventKindTemplate = "template"
	EventKindPhone    = "phone"
)

// Event is the internal envelope placed on the event queues. Payload is the
// provider fragment (one statusRecord, one inboundRecord, or one template/
// phone value), re-marshaled verbatim.
type Event struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	WorkspaceID   uuid.UUID       `json:"workspace_id"`
	PhoneNumberID string          `json:"phone_number_id"`
	ReceivedAt    time.Time       `json:"received_at"`
	Payload       json.RawMessage `json:"payload"`
}

// demuxed is one routed fragment plus its destination subject.
type demuxed struct {
	event   Event
	subject string
}

// contentHashID derives a stable event id for fragments the provider does
// not id itself.
func contentHashID(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// parseUnixSeconds converts the provider's string epoch timestamps; zero
// time on garbage.
func parseUnixSeconds(s string) time.Time {
	var secs int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return time.Time{}
		}
		secs = secs*10 + int64(c-'0')
	}
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
