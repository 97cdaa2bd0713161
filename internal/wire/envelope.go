// Package wire renders self-contained outbound commands into WhatsApp Cloud
// API request paths and JSON bodies. Rendering is pure: no I/O, no clock, no
// lookups. Malformed commands are rejected here, before any network attempt,
// so they never burn a retry.
package wire

import "encoding/json"

// envelope is the top-level Cloud API request body. Exactly one kind object
// is populated, named by Type. MARK_AS_READ reuses the same envelope with
// only Status/MessageID set.
type envelope struct {
	MessagingProduct string `json:"messaging_product"`
	RecipientType    string `json:"recipient_type,omitempty"`
	To               string `json:"to,omitempty"`
	Type             string `json:"type,omitempty"`

	Context *replyContext `json:"context,omitempty"`

	Text        *textBody        `json:"text,omitempty"`
	Template    *templateBody    `json:"template,omitempty"`
	Image       *mediaBody       `json:"image,omitempty"`
	Video       *mediaBody       `json:"video,omitempty"`
	Audio       *mediaBody       `json:"audio,omitempty"`
	Document    *mediaBody       `json:"document,omitempty"`
	Sticker     *mediaBody       `json:"sticker,omitempty"`
	Interactive *interactiveBody `json:"interactive,omitempty"`
	Location    *locationBody    `json:"location,omitempty"`
	Reaction    *reactionBody    `json:"reaction,omitempty"`

	// Read receipt fields (mark-as-read requests only).
	Status    string `json:"status,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

type replyContext struct {
	MessageID string `json:"message_id"`
}

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url,omitempty"`
}

type templateBody struct {
	Name       string          `json:"name"`
	Language   templateLang    `json:"language"`
	Components json.RawMessage `json:"components,omitempty"`
}

type templateLang struct {
	Code string `json:"code"`
}

type mediaBody struct {
	ID       string `json:"id,omitempty"`
	Link     string `json:"link,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

type interactiveBody struct {
	Type   string             `json:"type"` // "button" or "list"
	Header *interactiveHeader `json:"header,omitempty"`
	Body   interactiveText    `json:"body"`
	Footer *interactiveText   `json:"footer,omitempty"`
	Action interactiveAction  `json:"action"`
}

type interactiveHeader struct {
	Type string `json:"type"` // always "text" here
	Text string `json:"text"`
}

type interactiveText struct {
	Text string `json:"text"`
}

type interactiveAction struct {
	Buttons  []interactiveButton  `json:"buttons,omitempty"`
	Button   string               `json:"button,omitempty"`
	Sections []interactiveSection `json:"sections,omitempty"`
}

type interactiveButton struct {
	Type  string      `json:"type"` // always "reply"
	Reply buttonReply `json:"reply"`
}

type buttonReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type interactiveSection struct {
	Title string           `json:"title,omitempty"`
	Rows  []interactiveRow `json:"rows"`
}

type interactiveRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type locationBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type reactionBody struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}
