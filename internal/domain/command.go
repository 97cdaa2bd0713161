package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// OutboundCommand is the self-contained unit of work placed on the outbound
// queue. A worker must be able to act on it without joining other tables:
// it carries the recipient, the sender number, the token handle and the full
// message content. Exactly one kind-specific body must be set, matching Kind.
type OutboundCommand struct {
	// MessageID doubles as the idempotency key sent upstream.
	MessageID   uuid.UUID  `json:"message_id" validate:"required"`
	WorkspaceID uuid.UUID  `json:"workspace_id" validate:"required"`
	CampaignID  *uuid.UUID `json:"campaign_id,omitempty"`

	// PhoneNumberID is the upstream sender-number id (API path segment).
	PhoneNumberID  string `json:"phone_number_id" validate:"required"`
	AccessTokenRef string `json:"access_token_ref" validate:"required"`

	// To is the recipient in E.164; a leading "+" is stripped at render time.
	// Empty (and unused) for MARK_AS_READ.
	To string `json:"to,omitempty"`

	Kind MessageKind `json:"kind" validate:"required"`

	// ReplyTo threads the message under an earlier one (context.message_id).
	ReplyTo string `json:"reply_to,omitempty"`

	Text       *TextContent       `json:"text,omitempty"`
	Template   *TemplateContent   `json:"template,omitempty"`
	Media      *MediaContent      `json:"media,omitempty"`
	Buttons    *ButtonsContent    `json:"buttons,omitempty"`
	List       *ListContent       `json:"list,omitempty"`
	Location   *LocationContent   `json:"location,omitempty"`
	Reaction   *ReactionContent   `json:"reaction,omitempty"`
	MarkAsRead *MarkAsReadContent `json:"mark_as_read,omitempty"`
}

// TextContent is a plain text message body.
type TextContent struct {
	Body       string `json:"body" validate:"required,max=4096"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

// TemplateContent references an approved message template.
type TemplateContent struct {
	Name     string          `json:"name" validate:"required"`
	Language string          `json:"language" validate:"required"`
	// Components carries the provider-shaped component array verbatim
	// (header/body parameters, button payloads).
	Components json.RawMessage `json:"components,omitempty"`
}

// MediaContent sends an image, video, audio, document or sticker, either by
// provider media id or by public link.
type MediaContent struct {
	MediaKind string `json:"media_kind" validate:"required,oneof=image video audio document sticker"`
	ID        string `json:"id,omitempty"`
	Link      string `json:"link,omitempty" validate:"omitempty,url"`
	Caption   string `json:"caption,omitempty" validate:"max=1024"`
	Filename  string `json:"filename,omitempty"`
}

// Button is one interactive reply button.
type Button struct {
	ID    string `json:"id" validate:"required,max=256"`
	Title string `json:"title" validate:"required,max=20"`
}

// ButtonsContent is an interactive message with up to three reply buttons.
type ButtonsContent struct {
	Body    string   `json:"body" validate:"required,max=1024"`
	Header  string   `json:"header,omitempty" validate:"max=60"`
	Footer  string   `json:"footer,omitempty" validate:"max=60"`
	Buttons []Button `json:"buttons" validate:"required,min=1,max=3,dive"`
}

// ListRow is one selectable row in an interactive list.
type ListRow struct {
	ID          string `json:"id" validate:"required,max=200"`
	Title       string `json:"title" validate:"required,max=24"`
	Description string `json:"description,omitempty" validate:"max=72"`
}

// ListSection groups rows under a section title.
type ListSection struct {
	Title string    `json:"title,omitempty" validate:"max=24"`
	Rows  []ListRow `json:"rows" validate:"required,min=1,max=10,dive"`
}

// ListContent is an interactive list message.
type ListContent struct {
	Body     string        `json:"body" validate:"required,max=4096"`
	Header   string        `json:"header,omitempty" validate:"max=60"`
	Footer   string        `json:"footer,omitempty" validate:"max=60"`
	Button   string        `json:"button" validate:"required,max=20"`
	Sections []ListSection `json:"sections" validate:"required,min=1,max=10,dive"`
}

// LocationContent shares a map pin.
type LocationContent struct {
	Latitude  float64 `json:"latitude" validate:"min=-90,max=90"`
	Longitude float64 `json:"longitude" validate:"min=-180,max=180"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// ReactionContent attaches an emoji to an earlier message. An empty emoji
// removes a previous reaction.
type ReactionContent struct {
	TargetMessageID string `json:"target_message_id" validate:"required"`
	Emoji           string `json:"emoji"`
}

// MarkAsReadContent flags an inbound message as read on the provider side.
type MarkAsReadContent struct {
	TargetMessageID string `json:"target_message_id" validate:"required"`
}
