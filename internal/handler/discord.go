package handler

import (
	"context"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/glizzus/radio-relay/internal/radio"
)

type ReadyHandler = func(*discordgo.Session, *discordgo.Ready)
type InteractionCreateHandler = func(*discordgo.Session, *discordgo.InteractionCreate)
type VoiceStateUpdateHandler = func(*discordgo.Session, *discordgo.VoiceStateUpdate)

// DiscordSession is the part of *discordgo.Session the flows talk to.
type DiscordSession interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var _ DiscordSession = (*discordgo.Session)(nil)

var ReadyLog = func(s *discordgo.Session, r *discordgo.Ready) {
	username := r.User.Username
	userID := r.User.ID
	slog.Info("Bot is ready", "username", username, "userID", userID, "guilds", len(r.Guilds))
}

func MakeInteractionCreateHandler(fm *FlowManager) InteractionCreateHandler {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if err := fm.Router(s, i); err != nil {
			slog.Error("Failed to handle interaction", "interactionID", i.ID, "guildID", i.GuildID, "error", err)
		}
	}
}

// VoiceStateWatcher reacts to members joining, leaving or moving.
// *radio.Controller implements it.
type VoiceStateWatcher interface {
	HandleVoiceStateUpdate(ctx context.Context, change radio.VoiceStateChange)
}

func MakeVoiceStateUpdateHandler(w VoiceStateWatcher) VoiceStateUpdateHandler {
	return func(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		if v.VoiceState == nil {
			return
		}
		// Stopping waits for the converter; keep the gateway loop moving.
		go w.HandleVoiceStateUpdate(context.Background(), radio.VoiceStateChange{
			GuildID:   v.GuildID,
			UserID:    v.UserID,
			ChannelID: v.ChannelID,
		})
	}
}

type Handlers struct {
	Ready             ReadyHandler
	InteractionCreate InteractionCreateHandler
	VoiceStateUpdate  VoiceStateUpdateHandler
}

func NewSession(token string, handlers Handlers) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}

	// Voice states back the listener count and the invoker's channel lookup.
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates
	AddHandlers(s, handlers)

	return s, nil
}

// AddHandlers registers the non-nil handlers. Handlers that need the session
// to be built first are added this way after NewSession.
func AddHandlers(s *discordgo.Session, handlers Handlers) {
	if handlers.Ready != nil {
		s.AddHandler(handlers.Ready)
	}
	if handlers.InteractionCreate != nil {
		s.AddHandler(handlers.InteractionCreate)
	}
	if handlers.VoiceStateUpdate != nil {
		s.AddHandler(handlers.VoiceStateUpdate)
	}
}
