// Package protocol defines the JSON frames exchanged over a client connection.
//
// Client frames carry a "type" discriminator. Parsing produces a closed set of
// variants (ClientMessage) so the session dispatcher switches exhaustively
// instead of re-testing a string tag everywhere.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pscheid92/entitysync/internal/domain"
)

// Client → server frame types
const (
	TypeSubscribe      = "SUBSCRIBE"
	TypeUnsubscribe    = "UNSUBSCRIBE"
	TypeUnsubscribeAll = "UNSUBSCRIBE_ALL"
	TypeTokenRefresh   = "TOKEN_REFRESH"
	TypePing           = "PING"
)

// Server → client frame types
const (
	TypeInvalidate        = "INVALIDATE"
	TypeTokenExpiringSoon = "TOKEN_EXPIRING_SOON"
	TypeSubscribed        = "SUBSCRIBED"
	TypePong              = "PONG"
	TypeError             = "ERROR"
)

// --- Client messages ---

// ClientMessage is the closed variant set of inbound frames.
type ClientMessage interface{ isClientMessage() }

type Subscribe struct {
	EntityCode string
	EntityIDs  []string
}

func (Subscribe) isClientMessage() {}

type Unsubscribe struct {
	EntityCode string
	EntityIDs  []string
}

func (Unsubscribe) isClientMessage() {}

type UnsubscribeAll struct{}

func (UnsubscribeAll) isClientMessage() {}

type TokenRefresh struct {
	Token string
}

func (TokenRefresh) isClientMessage() {}

type Ping struct{}

func (Ping) isClientMessage() {}

// Unknown preserves the raw tag of an unrecognized frame type. The handler
// logs and ignores it without closing the connection.
type Unknown struct {
	Type string
}

func (Unknown) isClientMessage() {}

// ParseClientMessage decodes an inbound frame. A non-parseable payload or a
// frame missing a required field returns an error; an unrecognized type is
// not an error and yields Unknown.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var frame struct {
		Type       string   `json:"type"`
		EntityCode string   `json:"entityCode"`
		EntityIDs  []string `json:"entityIds"`
		Token      string   `json:"token"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch frame.Type {
	case TypeSubscribe:
		if frame.EntityCode == "" {
			return nil, fmt.Errorf("SUBSCRIBE requires entityCode")
		}
		return Subscribe{EntityCode: frame.EntityCode, EntityIDs: frame.EntityIDs}, nil
	case TypeUnsubscribe:
		if frame.EntityCode == "" {
			return nil, fmt.Errorf("UNSUBSCRIBE requires entityCode")
		}
		return Unsubscribe{EntityCode: frame.EntityCode, EntityIDs: frame.EntityIDs}, nil
	case TypeUnsubscribeAll:
		return UnsubscribeAll{}, nil
	case TypeTokenRefresh:
		if frame.Token == "" {
			return nil, fmt.Errorf("TOKEN_REFRESH requires token")
		}
		return TokenRefresh{Token: frame.Token}, nil
	case TypePing:
		return Ping{}, nil
	case "":
		return nil, fmt.Errorf("frame missing type")
	default:
		return Unknown{Type: frame.Type}, nil
	}
}

// --- Server messages ---

// ChangeItem is a single entry inside an INVALIDATE frame.
type ChangeItem struct {
	EntityID string              `json:"entityId"`
	Action   domain.ChangeAction `json:"action"`
	Version  int64               `json:"version"`
}

type Invalidate struct {
	Type       string       `json:"type"`
	EntityCode string       `json:"entityCode"`
	Changes    []ChangeItem `json:"changes"`
	Timestamp  time.Time    `json:"timestamp"`
}

func NewInvalidate(entityCode string, changes []ChangeItem, timestamp time.Time) Invalidate {
	return Invalidate{Type: TypeInvalidate, EntityCode: entityCode, Changes: changes, Timestamp: timestamp}
}

type Subscribed struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func NewSubscribed(count int) Subscribed {
	return Subscribed{Type: TypeSubscribed, Count: count}
}

type TokenExpiringSoon struct {
	Type      string `json:"type"`
	ExpiresIn int64  `json:"expiresIn"`
}

func NewTokenExpiringSoon(expiresIn time.Duration) TokenExpiringSoon {
	return TokenExpiringSoon{Type: TypeTokenExpiringSoon, ExpiresIn: int64(expiresIn.Seconds())}
}

type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}
