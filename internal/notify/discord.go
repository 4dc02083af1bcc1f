package notify

import (
	"context"
	"fmt"
	"net/http"
)

// Embed colours per event.
var discordColors = map[string]int{
	EventOpened:           0x2ecc71,
	EventClosed:           0x3498db,
	EventFailed:           0xe74c3c,
	EventPersistenceError: 0xe67e22,
}

// DiscordSender posts an embed to a webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a DiscordSender for webhookURL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: defaultSendTimeout},
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color,omitempty"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Send posts msg. Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, msg Message) error {
	err := postJSON(ctx, d.client, d.webhookURL, discordPayload{
		Embeds: []discordEmbed{{
			Title:       msg.Title,
			Description: msg.Body,
			Color:       discordColors[msg.Event],
		}},
	})
	if err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }
