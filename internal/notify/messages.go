package notify

import (
	"fmt"
	"html"
	"strings"

	"endpointwatch/internal/models"
)

const timeLayout = "2006-01-02 15:04:05 MST"

// Message is one event rendered for every channel.
type Message struct {
	// Title, Priority and Tags are sent as ntfy headers.
	Title    string
	Priority string
	Tags     []string
	// Plain goes to the broadcast topic.
	Plain string
	// HTML goes to direct chats.
	HTML string
	// Group goes to group and forum chats.
	Group string
}

// Render formats evt for all channels. dashboardURL is appended when set.
func Render(evt models.Event, dashboardURL string) Message {
	url := evt.Endpoint.URL
	name := evt.Endpoint.DisplayName()

	var msg Message
	var emoji, header string
	switch evt.Kind {
	case models.EventRecovered:
		msg.Title = "Recovered: " + name
		msg.Priority = "default"
		msg.Tags = []string{"white_check_mark"}
		msg.Plain = fmt.Sprintf("[OK] RECOVERED: %s is back online (status: %d)", url, evt.StatusCode)
		emoji, header = "✅", "Endpoint recovered"
	case models.EventStillDown:
		msg.Title = "Still down: " + name
		msg.Priority = "high"
		msg.Tags = []string{"warning"}
		msg.Plain = fmt.Sprintf("[WARNING] STILL DOWN: %s remains unavailable", url)
		emoji, header = "⚠️", "Endpoint still down"
	default:
		msg.Title = "Down: " + name
		msg.Priority = "high"
		msg.Tags = []string{"rotating_light"}
		msg.Plain = fmt.Sprintf("[ALERT] %s is DOWN", url)
		emoji, header = "🔴", "Endpoint down"
	}

	detail := statusDetail(evt)
	at := evt.OccurredAt.UTC().Format(timeLayout)

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>: %s\n", emoji, html.EscapeString(header), html.EscapeString(name))
	if name != url {
		fmt.Fprintf(&b, "%s\n", html.EscapeString(url))
	}
	fmt.Fprintf(&b, "%s\n%s", html.EscapeString(detail), at)
	if dashboardURL != "" {
		fmt.Fprintf(&b, "\n\n<a href=\"%s\">Dashboard</a>", html.EscapeString(dashboardURL))
	}
	msg.HTML = b.String()

	b.Reset()
	fmt.Fprintf(&b, "🔔 <b>%s</b>\n\n", html.EscapeString(header))
	fmt.Fprintf(&b, "%s <a href=\"%s\">%s</a>\n", emoji, html.EscapeString(url), html.EscapeString(name))
	fmt.Fprintf(&b, "%s\nTime: %s", html.EscapeString(detail), at)
	fmt.Fprintf(&b, "\n\n🔗 <code>%s</code>", html.EscapeString(url))
	msg.Group = b.String()

	if dashboardURL != "" {
		msg.Plain += "\n\nDashboard: " + dashboardURL
	}
	return msg
}

func statusDetail(evt models.Event) string {
	if evt.StatusCode == models.StatusUnreachable {
		if evt.Error != "" {
			return "Status: no response (" + evt.Error + ")"
		}
		return "Status: no response"
	}
	return fmt.Sprintf("Status: %d", evt.StatusCode)
}
