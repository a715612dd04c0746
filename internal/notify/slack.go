// Package notify pushes alert lifecycle events to operator channels.
// Deliveries run off the poll cycle's critical path; a slow or failing
// channel costs log lines, never readings.
package notify

import (
	"fmt"
	"log"

	"github.com/slack-go/slack"

	"github.com/stringwatch/stringwatch/internal/database"
)

// Severity colors for Slack attachments
var severityColors = map[database.AlertSeverity]string{
	database.AlertSeverityCritical: "danger",
	database.AlertSeverityWarning:  "warning",
	database.AlertSeverityInfo:     "#439FE0",
}

// slackAPI is the slice of the Slack client the notifier uses
type slackAPI interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts alert lifecycle messages to one channel
type SlackNotifier struct {
	client  slackAPI
	channel string
}

// NewSlackNotifier creates a notifier for the given bot token and channel
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(token),
		channel: channel,
	}
}

// OpenedAttachment builds the message for a newly created alert
func OpenedAttachment(alert database.Alert) slack.Attachment {
	fields := []slack.AttachmentField{
		{Title: "Plant", Value: alert.PlantID, Short: true},
		{Title: "Device", Value: alert.DeviceID, Short: true},
		{Title: "String", Value: fmt.Sprintf("%d", alert.StringNumber), Short: true},
		{Title: "Severity", Value: string(alert.Severity), Short: true},
	}
	if alert.GapPercent != nil && alert.ExpectedValue != nil && alert.ActualValue != nil {
		fields = append(fields, slack.AttachmentField{
			Title: "Current",
			Value: fmt.Sprintf("%.3fA vs %.3fA expected (%.1f%% below)", *alert.ActualValue, *alert.ExpectedValue, *alert.GapPercent),
		})
	}
	return slack.Attachment{
		Color:  severityColors[alert.Severity],
		Title:  fmt.Sprintf("%s: %s", alert.Severity, alert.Message),
		Fields: fields,
	}
}

// ResolvedAttachment builds the message for a resolved alert
func ResolvedAttachment(alert database.Alert) slack.Attachment {
	resolvedBy := "recovered"
	if alert.ResolvedBy != nil && *alert.ResolvedBy != "" {
		resolvedBy = "resolved by " + *alert.ResolvedBy
	}
	return slack.Attachment{
		Color: "good",
		Title: fmt.Sprintf("Resolved (%s): %s", resolvedBy, alert.Message),
		Fields: []slack.AttachmentField{
			{Title: "Plant", Value: alert.PlantID, Short: true},
			{Title: "Device", Value: alert.DeviceID, Short: true},
			{Title: "String", Value: fmt.Sprintf("%d", alert.StringNumber), Short: true},
		},
	}
}

func (n *SlackNotifier) post(attachment slack.Attachment) {
	go func() {
		_, _, err := n.client.PostMessage(n.channel, slack.MsgOptionAttachments(attachment))
		if err != nil {
			log.Printf("[Slack] Failed to post message: %v", err)
		}
	}()
}

// AlertOpened implements the alert engine's sink contract
func (n *SlackNotifier) AlertOpened(alert database.Alert) {
	n.post(OpenedAttachment(alert))
}

// AlertResolved implements the alert engine's sink contract
func (n *SlackNotifier) AlertResolved(alert database.Alert) {
	n.post(ResolvedAttachment(alert))
}
