package presenters

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/glizzus/radio-relay/internal/radio"
	"github.com/glizzus/radio-relay/internal/station"
)

const (
	ComponentIDRadioStop = "radio_stop"

	unknown = "unknown"
	// upcoming is how many queued tracks the status lists.
	upcoming = 3
)

// BuildMessageResponse is a plain, ephemeral reply.
func BuildMessageResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// BuildDeferredResponse acknowledges an interaction whose answer will be
// edited in later.
func BuildDeferredResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}
}

// BuildStatusResponse renders snap. When the radio is playing and stopID is
// not empty, a stop button carrying stopID is attached.
func BuildStatusResponse(snap radio.StatusSnapshot, stopID string) *discordgo.InteractionResponse {
	data := &discordgo.InteractionResponseData{
		Content: FormatStatus(snap),
	}
	if snap.Active && stopID != "" {
		data.Components = []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Label:    "Stop",
						Style:    discordgo.DangerButton,
						CustomID: stopID,
					},
				},
			},
		}
	}
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}
}

// BuildStoppedResponse replaces the status message once the stop button was
// used, removing the button.
func BuildStoppedResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: []discordgo.MessageComponent{},
		},
	}
}

func FormatStatus(snap radio.StatusSnapshot) string {
	var b strings.Builder

	if snap.KnownStation {
		fmt.Fprintf(&b, "**Now playing:** %s\n", orUnknown(snap.NowPlaying))
		fmt.Fprintf(&b, "**DJ:** %s\n", orUnknown(snap.DJ))
		fmt.Fprintf(&b, "**Listeners:** %d\n", snap.Listeners)
		fmt.Fprintf(&b, "**Progress:** %s / %s\n",
			formatDuration(snap.Position, snap.KnownPosition),
			formatDuration(snap.Duration, snap.KnownDuration),
		)
		if len(snap.Queue) > 0 {
			b.WriteString("**Up next:**\n")
			for _, track := range snap.Queue[:min(upcoming, len(snap.Queue))] {
				fmt.Fprintf(&b, "- %s\n", formatTrack(track))
			}
		}
	} else {
		b.WriteString("Station information is unavailable.\n")
	}

	if !snap.Active {
		b.WriteString("The radio is not playing in this server.")
		return b.String()
	}

	fmt.Fprintf(&b, "Playing in <#%s> for %s (%s)",
		snap.ChannelID,
		formatDuration(snap.Played(), true),
		snap.State,
	)
	if snap.State == radio.Backoff || snap.State == radio.Connecting && snap.Attempt > 0 {
		fmt.Fprintf(&b, ", reconnecting after %d failed attempt(s)", snap.Attempt)
	}
	return b.String()
}

func formatTrack(t station.Track) string {
	if t.At.IsZero() {
		return orUnknown(t.Meta)
	}
	return fmt.Sprintf("%s (%s)", orUnknown(t.Meta), t.At.UTC().Format("15:04"))
}

func formatDuration(d time.Duration, known bool) string {
	if !known {
		return unknown
	}
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func orUnknown(s string) string {
	if s == "" {
		return unknown
	}
	return s
}
