package handler

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Commands is a list of all the commands the bot can handle.
// This is used to register the commands with Discord.
var Commands = []*discordgo.ApplicationCommand{
	{
		Name:        "ping",
		Description: "Check that the bot is alive",
	},
	{
		Name:        "radio",
		Description: "Play the radio in your voice channel",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Name:        "play",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Description: "Join your voice channel and start the radio",
			},
			{
				Name:        "stop",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Description: "Stop the radio and leave the voice channel",
			},
			{
				Name:        "status",
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Description: "Show what is playing",
			},
		},
	},
}

// EstablishCommands registers Commands in guildID, or globally when guildID
// is empty.
func EstablishCommands(s *discordgo.Session, guildID string) error {
	_, err := s.ApplicationCommandBulkOverwrite(s.State.User.ID, guildID, Commands)
	if err != nil {
		return fmt.Errorf("failed to establish commands: %w", err)
	}
	return nil
}
