package streamwatch

import (
	"context"
	"strconv"

	"emperror.dev/errors"
	"github.com/bwmarrin/discordgo"
)

// DiscordSender sends announcements through the shared bot session.
type DiscordSender struct {
	session *discordgo.Session
}

var _ MessageSender = (*DiscordSender)(nil)

func NewDiscordSender(session *discordgo.Session) *DiscordSender {
	return &DiscordSender{session: session}
}

func (s *DiscordSender) Send(ctx context.Context, channelID int64, content string) (int64, error) {
	msg, err := s.session.ChannelMessageSend(strconv.FormatInt(channelID, 10), content, discordgo.WithContext(ctx))
	if err != nil {
		return 0, mapRESTError(err)
	}

	messageID, err := strconv.ParseInt(msg.ID, 10, 64)
	if err != nil {
		return 0, errors.WithMessage(err, "parse message id")
	}

	return messageID, nil
}

func (s *DiscordSender) Edit(ctx context.Context, channelID, messageID int64, content string) error {
	_, err := s.session.ChannelMessageEdit(strconv.FormatInt(channelID, 10), strconv.FormatInt(messageID, 10), content, discordgo.WithContext(ctx))
	return mapRESTError(err)
}

func (s *DiscordSender) Delete(ctx context.Context, channelID, messageID int64) error {
	err := s.session.ChannelMessageDelete(strconv.FormatInt(channelID, 10), strconv.FormatInt(messageID, 10), discordgo.WithContext(ctx))
	return mapRESTError(err)
}

// mapRESTError folds the "message is already gone" family of api errors into
// ErrMessageNotFound so callers can treat them uniformly.
func mapRESTError(err error) error {
	if err == nil {
		return nil
	}

	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
			return ErrMessageNotFound
		}
	}

	return err
}
