package wire

import (
	"encoding/json"
	"fmt"

	"github.com/adred-codev/wasend/internal/domain"
)

const messagingProduct = "whatsapp"

// Render validates cmd and produces the Cloud API request: the path segment
// below the versioned base URL and the JSON body. Identical commands always
// render to identical bytes.
func Render(cmd *domain.OutboundCommand) (path string, body []byte, err error) {
	if err := Validate(cmd); err != nil {
		return "", nil, err
	}

	env := envelope{MessagingProduct: messagingProduct}

	if cmd.Kind == domain.KindMarkAsRead {
		// Read receipts use a reduced envelope: no recipient, no type object.
		env.Status = "read"
		env.MessageID = cmd.MarkAsRead.TargetMessageID
	} else {
		env.RecipientType = "individual"
		env.To = normalizeRecipient(cmd.To)
		if cmd.ReplyTo != "" {
			env.Context = &replyContext{MessageID: cmd.ReplyTo}
		}
		if err := fillKind(&env, cmd); err != nil {
			return "", nil, err
		}
	}

	body, err = json.Marshal(&env)
	if err != nil {
		return "", nil, domain.NewSendError(domain.ErrInvalidCommand, 0, "marshal envelope: %v", err)
	}
	return fmt.Sprintf("%s/messages", cmd.PhoneNumberID), body, nil
}

func fillKind(env *envelope, cmd *domain.OutboundCommand) error {
	switch cmd.Kind {
	case domain.KindText:
		env.Type = "text"
		env.Text = &textBody{Body: cmd.Text.Body, PreviewURL: cmd.Text.PreviewURL}

	case domain.KindTemplate:
		env.Type = "template"
		env.Template = &templateBody{
			Name:       cmd.Template.Name,
			Language:   templateLang{Code: cmd.Template.Language},
			Components: cmd.Template.Components,
		}

	case domain.KindMedia:
		m := &mediaBody{
			ID:      cmd.Media.ID,
			Link:    cmd.Media.Link,
			Caption: cmd.Media.Caption,
		}
		env.Type = cmd.Media.MediaKind
		switch cmd.Media.MediaKind {
		case "image":
			env.Image = m
		case "video":
			env.Video = m
		case "audio":
			m.Caption = "" // audio carries no caption
			env.Audio = m
		case "document":
			m.Filename = cmd.Media.Filename
			env.Document = m
		case "sticker":
			env.Sticker = m
		}

	case domain.KindInteractiveButtons:
		env.Type = "interactive"
		buttons := make([]interactiveButton, 0, len(cmd.Buttons.Buttons))
		for _, b := range cmd.Buttons.Buttons {
			buttons = append(buttons, interactiveButton{
				Type:  "reply",
				Reply: buttonReply{ID: b.ID, Title: b.Title},
			})
		}
		env.Interactive = &interactiveBody{
			Type:   "button",
			Body:   interactiveText{Text: cmd.Buttons.Body},
			Action: interactiveAction{Buttons: buttons},
		}
		if cmd.Buttons.Header != "" {
			env.Interactive.Header = &interactiveHeader{Type: "text", Text: cmd.Buttons.Header}
		}
		if cmd.Buttons.Footer != "" {
			env.Interactive.Footer = &interactiveText{Text: cmd.Buttons.Footer}
		}

	case domain.KindInteractiveList:
		env.Type = "interactive"
		sections := make([]interactiveSection, 0, len(cmd.List.Sections))
		for _, s := range cmd.List.Sections {
			rows := make([]interactiveRow, 0, len(s.Rows))
			for _, r := range s.Rows {
				rows = append(rows, interactiveRow(r))
			}
			sections = append(sections, interactiveSection{Title: s.Title, Rows: rows})
		}
		env.Interactive = &interactiveBody{
			Type: "list",
			Body: interactiveText{Text: cmd.List.Body},
			Action: interactiveAction{
				Button:   cmd.List.Button,
				Sections: sections,
			},
		}
		if cmd.List.Header != "" {
			env.Interactive.Header = &interactiveHeader{Type: "text", Text: cmd.List.Header}
		}
		if cmd.List.Footer != "" {
			env.Interactive.Footer = &interactiveText{Text: cmd.List.Footer}
		}

	case domain.KindLocation:
		env.Type = "location"
		env.Location = &locationBody{
			Latitude:  cmd.Location.Latitude,
			Longitude: cmd.Location.Longitude,
			Name:      cmd.Location.Name,
			Address:   cmd.Location.Address,
		}

	case domain.KindReaction:
		env.Type = "reaction"
		env.Reaction = &reactionBody{
			MessageID: cmd.Reaction.TargetMessageID,
			Emoji:     cmd.Reaction.Emoji,
		}

	default:
		return domain.NewSendError(domain.ErrInvalidCommand, 0, "unknown kind %q", cmd.Kind)
	}
	return nil
}
