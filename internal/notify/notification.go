package notify

import "fmt"

const TypeLiveLocationRequest = "live-location-request"

// Notification is the content of one push, independent of the transport.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// LiveLocationRequest tells an offline recipient that sharer started a session.
func LiveLocationRequest(sharer, sessionID string) Notification {
	return Notification{
		Title: "Live Location Request",
		Body:  fmt.Sprintf("%s wants to share their live location with you", sharer),
		Data: map[string]string{
			"type":       TypeLiveLocationRequest,
			"sessionId":  sessionID,
			"sharerName": sharer,
		},
	}
}
