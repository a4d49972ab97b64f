package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

type UserType string

const (
	// UserAgent is a customer-service agent.
	UserAgent UserType = "kefu"
	// UserCustomer is the customer being served.
	UserCustomer UserType = "kehu"
)

func (u UserType) Valid() bool {
	return u == UserAgent || u == UserCustomer
}

var ErrInvalidIdentity = errors.New("protocol: invalid identity")

// Identity is serialized into connection parameters when a connection is
// opened and is not renegotiated while it stays up.
type Identity struct {
	UserID       string
	UserType     UserType
	UserName     string
	SessionID    string
	SessionToken string
}

func (id Identity) Validate() error {
	if id.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidIdentity)
	}
	if !id.UserType.Valid() {
		return fmt.Errorf("%w: user type %q must be %q or %q", ErrInvalidIdentity, id.UserType, UserAgent, UserCustomer)
	}
	return nil
}

// Params returns the query parameters sent when opening a connection. The
// session token is only included for agents.
func (id Identity) Params(now time.Time) url.Values {
	v := url.Values{}
	v.Set("user_id", id.UserID)
	v.Set("user_type", string(id.UserType))
	v.Set("user_name", id.UserName)
	v.Set("session_id", id.SessionID)
	v.Set("timestamp", strconv.FormatInt(now.UnixMilli(), 10))
	if id.UserType == UserAgent && id.SessionToken != "" {
		v.Set("session_token", id.SessionToken)
	}
	return v
}
