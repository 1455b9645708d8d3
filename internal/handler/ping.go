package handler

import "github.com/bwmarrin/discordgo"

var PingFlow = &Flow{
	ID: "ping",
	Root: &Node{
		ID:      "ping",
		Matcher: IsCommand("ping"),
		Handler: func(s DiscordSession, i *discordgo.InteractionCreate, ctx *FlowContext) error {
			return s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: "Pong!",
				},
			})
		},
	},
}

// IsCommand matches the application command called name.
func IsCommand(name string) func(*discordgo.InteractionCreate) bool {
	return func(i *discordgo.InteractionCreate) bool {
		if i.Type != discordgo.InteractionApplicationCommand {
			return false
		}
		return i.ApplicationCommandData().Name == name
	}
}

// IsComponent matches a component interaction whose custom id was built with
// CustomID(action, ...).
func IsComponent(action string) func(*discordgo.InteractionCreate) bool {
	return func(i *discordgo.InteractionCreate) bool {
		if i.Type != discordgo.InteractionMessageComponent {
			return false
		}
		id := i.MessageComponentData().CustomID
		return len(id) > len(action) && id[:len(action)+1] == action+":"
	}
}
