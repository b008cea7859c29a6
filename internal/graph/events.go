package graph

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EmailAddress is a named mailbox.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Recipient wraps an EmailAddress as the API nests it.
type Recipient struct {
	EmailAddress EmailAddress `json:"emailAddress"`
}

// DateTimeZone is a wall-clock time with its zone name.
type DateTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

// Time parses DateTime, treating it as UTC when the zone is UTC or empty.
func (d DateTimeZone) Time() time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.0000000", time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, d.DateTime); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ItemBody is the body of an event or message.
type ItemBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// Event is a calendar event; only the fields the service reads are mapped.
type Event struct {
	ID             string       `json:"id"`
	Subject        string       `json:"subject"`
	HasAttachments bool         `json:"hasAttachments"`
	IsAllDay       bool         `json:"isAllDay"`
	Type           string       `json:"type"`
	WebLink        string       `json:"webLink"`
	Body           *ItemBody    `json:"body,omitempty"`
	Start          DateTimeZone `json:"start"`
	End            DateTimeZone `json:"end"`
	Organizer      Recipient    `json:"organizer"`
}

// OrganizerEmail returns the organiser's address.
func (e Event) OrganizerEmail() string {
	return strings.TrimSpace(e.Organizer.EmailAddress.Address)
}

// Event fetches the resource named in a webhook notification, e.g.
// "Users/{id}/Events/{id}".
func (c *Client) Event(ctx context.Context, token, resource string) (Event, error) {
	var ev Event
	err := c.do(ctx, "get event", http.MethodGet, "/v1.0/"+strings.TrimLeft(resource, "/"), token, nil, &ev)
	return ev, err
}

// EventQuery selects events for the operator listing routes.
type EventQuery struct {
	// StartBefore/EndAfter select events running at a moment; StartAfter and
	// StartBefore select events starting in a range. Zero values are ignored.
	StartAfter  time.Time
	StartBefore time.Time
	EndAfter    time.Time
	Top         int
}

func (q EventQuery) values() url.Values {
	v := url.Values{}
	var filters []string
	if !q.StartAfter.IsZero() {
		filters = append(filters, "start/dateTime ge '"+filterTime(q.StartAfter)+"'")
	}
	if !q.StartBefore.IsZero() {
		filters = append(filters, "start/dateTime le '"+filterTime(q.StartBefore)+"'")
	}
	if !q.EndAfter.IsZero() {
		filters = append(filters, "end/dateTime ge '"+filterTime(q.EndAfter)+"'")
	}
	if len(filters) > 0 {
		v.Set("$filter", strings.Join(filters, " and "))
		v.Set("$orderby", "start/dateTime asc")
	}
	if q.Top > 0 {
		v.Set("$top", strconv.Itoa(q.Top))
	}
	return v
}

func filterTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04")
}

// Events lists the signed-in mailbox's events sorted by start time.
func (c *Client) Events(ctx context.Context, token string, q EventQuery) ([]Event, error) {
	var page struct {
		Value []Event `json:"value"`
	}
	path := "/v1.0/me/events"
	if qs := q.values().Encode(); qs != "" {
		path += "?" + qs
	}
	if err := c.do(ctx, "list events", http.MethodGet, path, token, nil, &page); err != nil {
		return nil, err
	}
	sort.SliceStable(page.Value, func(i, j int) bool {
		return page.Value[i].Start.Time().Before(page.Value[j].Start.Time())
	})
	return page.Value, nil
}

// Message is an outbound mail.
type Message struct {
	Subject      string      `json:"subject"`
	Body         ItemBody    `json:"body"`
	ToRecipients []Recipient `json:"toRecipients"`
}

// SendMail sends msg from the signed-in mailbox.
func (c *Client) SendMail(ctx context.Context, token string, msg Message) error {
	body := map[string]any{"message": msg, "saveToSentItems": true}
	return c.do(ctx, "send mail", http.MethodPost, "/v1.0/me/sendMail", token, body, nil)
}
