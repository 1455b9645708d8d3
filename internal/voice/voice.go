// Package voice adapts discordgo's voice connections to the radio
// controller.
package voice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/glizzus/radio-relay/internal/radio"
	"github.com/glizzus/radio-relay/internal/util"
)

// Transport joins voice channels through a gateway session.
type Transport struct {
	session *discordgo.Session
}

func NewTransport(s *discordgo.Session) *Transport {
	return &Transport{session: s}
}

// Join connects to a voice channel muted-in, so the bot never receives audio.
func (t *Transport) Join(ctx context.Context, guildID, channelID string) (radio.VoiceConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slog.Debug("joining voice channel", "guildID", guildID, "channelID", channelID, "botID", t.SelfID())
	vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, fmt.Errorf("unable to join the voice channel: %w", err)
	}
	return conn{vc}, nil
}

func (t *Transport) SelfID() string {
	if t.session.State == nil || t.session.State.User == nil {
		return ""
	}
	return t.session.State.User.ID
}

// Listeners counts the users other than the bot in a voice channel, as seen
// by the gateway state cache.
func (t *Transport) Listeners(guildID, channelID string) int {
	guild, err := t.session.State.Guild(guildID)
	if err != nil {
		return 0
	}
	return CountListeners(guild.VoiceStates, channelID, t.SelfID())
}

// CountListeners counts the voice states in channelID that are not selfID.
func CountListeners(states []*discordgo.VoiceState, channelID, selfID string) int {
	n := 0
	for _, vs := range states {
		if vs.ChannelID == channelID && vs.UserID != selfID {
			n++
		}
	}
	return n
}

// UserChannel returns the voice channel userID is connected to in guildID.
func (t *Transport) UserChannel(guildID, userID string) (string, bool) {
	guild, err := t.session.State.Guild(guildID)
	if err != nil {
		return "", false
	}
	return ChannelOf(guild.VoiceStates, userID)
}

// ChannelOf finds the voice channel of userID among states.
func ChannelOf(states []*discordgo.VoiceState, userID string) (string, bool) {
	vs, ok := util.FindFirst(states, func(vs *discordgo.VoiceState) bool {
		return vs.UserID == userID && vs.ChannelID != ""
	})
	if !ok {
		return "", false
	}
	return vs.ChannelID, true
}

type conn struct {
	vc *discordgo.VoiceConnection
}

func (c conn) OpusSend() chan<- []byte {
	return c.vc.OpusSend
}

func (c conn) Speaking(b bool) error {
	return c.vc.Speaking(b)
}

func (c conn) Disconnect() error {
	return c.vc.Disconnect()
}

var _ radio.VoiceTransport = (*Transport)(nil)
