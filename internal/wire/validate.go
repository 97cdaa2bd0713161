package wire

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/adred-codev/wasend/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// recipientRe matches an international number: 7-15 digits, optional leading
// "+" (stripped before hitting the wire).
var recipientRe = regexp.MustCompile(`^\+?[1-9][0-9]{6,14}$`)

// Validate checks an outbound command against its kind's schema. It returns
// a *domain.SendError of kind invalid_command on any violation.
func Validate(cmd *domain.OutboundCommand) error {
	if err := validate.Struct(cmd); err != nil {
		return domain.NewSendError(domain.ErrInvalidCommand, 0, "command schema: %v", err)
	}

	if cmd.Kind != domain.KindMarkAsRead {
		if !recipientRe.MatchString(cmd.To) {
			return domain.NewSendError(domain.ErrInvalidCommand, 0, "invalid recipient %q", cmd.To)
		}
	}

	body, err := kindBody(cmd)
	if err != nil {
		return err
	}
	if err := validate.Struct(body); err != nil {
		return domain.NewSendError(domain.ErrInvalidCommand, 0, "%s content: %v", cmd.Kind, err)
	}

	// Cross-field checks the tag language cannot express.
	switch cmd.Kind {
	case domain.KindMedia:
		m := cmd.Media
		if (m.ID == "") == (m.Link == "") {
			return domain.NewSendError(domain.ErrInvalidCommand, 0,
				"media requires exactly one of id or link")
		}
		if m.MediaKind == "sticker" && m.Caption != "" {
			return domain.NewSendError(domain.ErrInvalidCommand, 0, "stickers cannot carry a caption")
		}
	case domain.KindInteractiveList:
		rows := 0
		for _, s := range cmd.List.Sections {
			rows += len(s.Rows)
		}
		if rows > 10 {
			return domain.NewSendError(domain.ErrInvalidCommand, 0,
				"list has %d rows, limit is 10", rows)
		}
	}

	return nil
}

// kindBody returns the content struct matching cmd.Kind, rejecting commands
// whose kind tag and populated body disagree.
func kindBody(cmd *domain.OutboundCommand) (any, error) {
	var body any
	switch cmd.Kind {
	case domain.KindText:
		if cmd.Text == nil {
			return nil, missingBody(cmd.Kind)
		}
		body = cmd.Text
	case domain.KindTemplate:
		if cmd.Template == nil {
			return nil, missingBody(cmd.Kind)
		}
		body = cmd.Template
	case domain.KindMedia:
		if cmd.Media == nil {
			return nil, missingBody(cmd.Kind)
		}
		body = cmd.Media
	case domain.KindInteractiveButtons:
		if cmd.Buttons == nil {
			return nil, missingBody(cmd.Kind)
		}
		body = cmd.Buttons
	case domain.KindInteractiveList:
		if cmd.List == nil {
			return nil, missingBody(cmd.Kind)
		}
		body = cmd.List
	case domain.KindLocation:
		if cmd.Location == nil {
			return nil, missingBody(cmd.Kind)
		}
		body = cmd.Location
	case domain.KindReaction:
		if cmd.Reaction == nil {
			return nil, missingBody(cmd.Kind)
		}
		body = cmd.Reaction
	case domain.KindMarkAsRead:
		if cmd.MarkAsRead == nil {
			return nil, missingBody(cmd.Kind)
		}
		body = cmd.MarkAsRead
	default:
		return nil, domain.NewSendError(domain.ErrInvalidCommand, 0, "unknown kind %q", cmd.Kind)
	}
	return body, nil
}

func missingBody(kind domain.MessageKind) *domain.SendError {
	return domain.NewSendError(domain.ErrInvalidCommand, 0, "kind %s has no matching content", kind)
}

// normalizeRecipient strips the E.164 "+"; the Cloud API wants bare digits.
func normalizeRecipient(to string) string {
	return strings.TrimPrefix(to, "+")
}
