// Package webhook turns Graph-style webhook deliveries into independent
// routing events.
package webhook

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var ErrMalformed = errors.New("malformed webhook delivery")

const (
	CategoryMessaging = "messaging"
	CategoryChanges   = "changes"

	SubtypeMessage     = "message"
	SubtypeMessageEcho = "message_echo"
	SubtypePostback    = "postback"
	SubtypeReaction    = "reaction"
	SubtypeRead        = "read"
	SubtypeComment     = "comment"
	SubtypeMention     = "mention"
	SubtypeUnknown     = "unknown"
)

// Delivery is one webhook POST body.
type Delivery struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the events of one account. Items stay raw so each event can be
// replayed byte for byte.
type Entry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging,omitempty"`
	Changes   []json.RawMessage `json:"changes,omitempty"`
}

type idRef struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

type messagingItem struct {
	Sender    idRef `json:"sender"`
	Recipient idRef `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Mid    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
	Postback *struct {
		Mid     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
	Reaction *struct {
		Mid      string `json:"mid"`
		Action   string `json:"action"`
		Reaction string `json:"reaction"`
	} `json:"reaction"`
	Read *struct {
		Mid string `json:"mid"`
	} `json:"read"`
}

type changeItem struct {
	Field string `json:"field"`
	Value struct {
		ID   string `json:"id"`
		Text string `json:"text"`
		From idRef  `json:"from"`
	} `json:"value"`
}

// Event is one routable occurrence extracted from a delivery.
type Event struct {
	Key         string
	Object      string
	Category    string
	Subtype     string
	SenderID    string
	RecipientID string
	// AccountID is the external id of the account the delivery is for. It
	// equals RecipientID except on echoes, where the account is the sender.
	AccountID string
	Timestamp int64
	MessageID string
	Text      string
	// Payload is a self-contained single-event delivery body.
	Payload json.RawMessage
}

// Skipped is a delivery item that could not be decoded. The rest of the
// delivery is still routed.
type Skipped struct {
	EntryID  string
	Category string
	Index    int
	Raw      json.RawMessage
	Err      error
}

// Normalize parses a delivery body and returns its events in delivery order:
// entries in order, messaging items before changes within an entry. Only a
// body that is not a delivery at all yields ErrMalformed; undecodable items
// are returned in skipped.
func Normalize(body []byte) (events []Event, skipped []Skipped, err error) {
	var d Delivery
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&d); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	for _, entry := range d.Entry {
		for i, raw := range entry.Messaging {
			ev, err := fromMessaging(d.Object, entry, raw)
			if err != nil {
				skipped = append(skipped, Skipped{EntryID: entry.ID, Category: CategoryMessaging, Index: i, Raw: raw, Err: err})
				continue
			}
			events = append(events, ev)
		}
		for i, raw := range entry.Changes {
			ev, err := fromChange(d.Object, entry, raw)
			if err != nil {
				skipped = append(skipped, Skipped{EntryID: entry.ID, Category: CategoryChanges, Index: i, Raw: raw, Err: err})
				continue
			}
			events = append(events, ev)
		}
	}
	return events, skipped, nil
}

func fromMessaging(object string, entry Entry, raw json.RawMessage) (Event, error) {
	var item messagingItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return Event{}, fmt.Errorf("%w: messaging item: %v", ErrMalformed, err)
	}

	ev := Event{
		Object:      object,
		Category:    CategoryMessaging,
		Subtype:     SubtypeUnknown,
		SenderID:    item.Sender.ID,
		RecipientID: item.Recipient.ID,
		Timestamp:   item.Timestamp,
	}
	if ev.RecipientID == "" {
		ev.RecipientID = entry.ID
	}
	ev.AccountID = entry.ID
	if ev.AccountID == "" {
		ev.AccountID = ev.RecipientID
	}

	switch {
	case item.Message != nil && item.Message.IsEcho:
		ev.Subtype = SubtypeMessageEcho
		ev.MessageID, ev.Text = item.Message.Mid, item.Message.Text
	case item.Message != nil:
		ev.Subtype = SubtypeMessage
		ev.MessageID, ev.Text = item.Message.Mid, item.Message.Text
	case item.Postback != nil:
		ev.Subtype = SubtypePostback
		ev.MessageID, ev.Text = item.Postback.Mid, item.Postback.Payload
	case item.Reaction != nil:
		ev.Subtype = SubtypeReaction
		ev.MessageID, ev.Text = item.Reaction.Mid, item.Reaction.Reaction
	case item.Read != nil:
		ev.Subtype = SubtypeRead
		ev.MessageID = item.Read.Mid
	}

	payload, err := singleEventBody(object, entry, CategoryMessaging, raw)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = payload
	ev.Key = EventKey(ev)
	return ev, nil
}

func fromChange(object string, entry Entry, raw json.RawMessage) (Event, error) {
	var item changeItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return Event{}, fmt.Errorf("%w: change item: %v", ErrMalformed, err)
	}

	ev := Event{
		Object:      object,
		Category:    CategoryChanges,
		SenderID:    item.Value.From.ID,
		RecipientID: entry.ID,
		AccountID:   entry.ID,
		Timestamp:   entry.Time,
		MessageID:   item.Value.ID,
		Text:        item.Value.Text,
	}
	switch item.Field {
	case "comments", "live_comments":
		ev.Subtype = SubtypeComment
	case "mentions":
		ev.Subtype = SubtypeMention
	case "":
		ev.Subtype = SubtypeUnknown
	default:
		ev.Subtype = item.Field
	}

	payload, err := singleEventBody(object, entry, CategoryChanges, raw)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = payload
	ev.Key = EventKey(ev)
	return ev, nil
}

func singleEventBody(object string, entry Entry, category string, raw json.RawMessage) (json.RawMessage, error) {
	one := Entry{ID: entry.ID, Time: entry.Time}
	if category == CategoryMessaging {
		one.Messaging = []json.RawMessage{raw}
	} else {
		one.Changes = []json.RawMessage{raw}
	}
	body, err := json.Marshal(Delivery{Object: object, Entry: []Entry{one}})
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return body, nil
}

// EventKey is the stable dedup identifier of an event. Upstream redeliveries
// of the same occurrence hash to the same key.
func EventKey(ev Event) string {
	h := sha256.New()
	for i, part := range []string{
		ev.SenderID,
		ev.RecipientID,
		strconv.FormatInt(ev.Timestamp, 10),
		ev.Category,
		ev.Subtype,
		ev.MessageID,
	} {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}
