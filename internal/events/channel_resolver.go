package events

import "fmt"

// ChannelFor returns the pub/sub channel carrying a project's attachment events.
func ChannelFor(projectID string) string {
	return fmt.Sprintf("attachments:%s", projectID)
}
