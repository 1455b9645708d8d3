package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/glizzus/radio-relay/internal/presenters"
	"github.com/glizzus/radio-relay/internal/radio"
)

// commandTimeout bounds a single /radio command, including the voice join.
const commandTimeout = 20 * time.Second

// Radio is the playback surface the /radio command drives.
// *radio.Controller implements it.
type Radio interface {
	Play(ctx context.Context, guildID, channelID string) (*radio.PlaybackSession, error)
	Stop(ctx context.Context, guildID string) error
	Status(ctx context.Context, guildID string) radio.StatusSnapshot
}

// VoiceLocator finds the voice channel a member is connected to.
type VoiceLocator interface {
	UserChannel(guildID, userID string) (string, bool)
}

var (
	errNotInGuild = &UserError{Message: "This command only works in a server."}
	errNoChannel  = &UserError{Message: "Join a voice channel first."}
)

// NewRadioFlow builds the /radio command. The status reply carries a stop
// button which continues the flow.
func NewRadioFlow(r Radio, locator VoiceLocator) *Flow {
	stop := &Node{
		ID:      "radio_stop",
		Matcher: IsComponent(presenters.ComponentIDRadioStop),
		Handler: func(s DiscordSession, i *discordgo.InteractionCreate, fc *FlowContext) error {
			ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
			defer cancel()

			content := "Radio stopped."
			if err := r.Stop(ctx, i.GuildID); err != nil {
				content = failure(i, err)
			}
			return s.InteractionRespond(i.Interaction, presenters.BuildStoppedResponse(content))
		},
	}

	return &Flow{
		ID: "radio",
		Root: &Node{
			ID:      "radio",
			Matcher: IsCommand("radio"),
			Handler: func(s DiscordSession, i *discordgo.InteractionCreate, fc *FlowContext) error {
				fc.Done = true
				if i.GuildID == "" {
					return reply(s, i, UserMessage(errNotInGuild))
				}

				options := i.ApplicationCommandData().Options
				if len(options) == 0 {
					return fmt.Errorf("radio command without a subcommand")
				}

				ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
				defer cancel()

				switch options[0].Name {
				case "play":
					return play(ctx, s, i, r, locator)
				case "stop":
					if err := r.Stop(ctx, i.GuildID); err != nil {
						return reply(s, i, failure(i, err))
					}
					return reply(s, i, "Radio stopped.")
				case "status":
					snap := r.Status(ctx, i.GuildID)
					fc.Done = !snap.Active
					stopID := CustomID(presenters.ComponentIDRadioStop, fc.InstanceID)
					return s.InteractionRespond(i.Interaction, presenters.BuildStatusResponse(snap, stopID))
				default:
					return fmt.Errorf("unknown radio subcommand %q", options[0].Name)
				}
			},
			Next: []*Node{stop},
		},
	}
}

func play(ctx context.Context, s DiscordSession, i *discordgo.InteractionCreate, r Radio, locator VoiceLocator) error {
	userID := invoker(i)
	channelID, ok := locator.UserChannel(i.GuildID, userID)
	if !ok {
		return reply(s, i, UserMessage(errNoChannel))
	}

	// Joining voice can outlast the interaction acknowledgement deadline.
	if err := s.InteractionRespond(i.Interaction, presenters.BuildDeferredResponse()); err != nil {
		return fmt.Errorf("failed to defer radio play: %w", err)
	}

	content := fmt.Sprintf("Playing the radio in <#%s>.", channelID)
	if _, err := r.Play(ctx, i.GuildID, channelID); err != nil {
		content = failure(i, err)
	}
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &content}); err != nil {
		return fmt.Errorf("failed to edit radio play response: %w", err)
	}
	return nil
}

func invoker(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func reply(s DiscordSession, i *discordgo.InteractionCreate, content string) error {
	return s.InteractionRespond(i.Interaction, presenters.BuildMessageResponse(content))
}

// failure logs err unless it is an expected refusal and returns what the user
// should read.
func failure(i *discordgo.InteractionCreate, err error) string {
	var userErr *UserError
	if !errors.As(err, &userErr) && !errors.Is(err, radio.ErrAlreadyActive) && !errors.Is(err, radio.ErrNotActive) {
		slog.Error("radio command failed", "guildID", i.GuildID, "error", err)
	}
	return UserMessage(err)
}
