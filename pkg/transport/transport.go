package transport

import (
	"context"
	"net/url"
)

type StatusCode int

const (
	StatusNormalClosure    StatusCode = 1000
	StatusGoingAway        StatusCode = 1001
	StatusAbnormalClosure  StatusCode = 1006
	StatusHeartbeatTimeout StatusCode = 4000
)

// Events receives the lifecycle of one connection attempt. At most one of
// OnClose and OnError fires per attempt, and all callbacks of an attempt
// fire from the same goroutine in order.
type Events struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnClose   func(code StatusCode, reason string, wasClean bool)
	OnError   func(err error)
}

// Transport owns at most one physical connection at a time.
type Transport interface {
	// Open starts connecting and returns immediately.
	Open(endpoint string, params url.Values, ev Events)

	// Send hands data to the connection. It reports false without blocking
	// when the connection is not open.
	Send(data []byte) bool

	// Close is safe to call on a closed transport.
	Close(code StatusCode, reason string)
}

// Waiter is implemented by transports whose Close finishes in the
// background, such as flushing buffered frames before the close frame.
type Waiter interface {
	Wait(ctx context.Context) error
}

// BuildURL merges params into the endpoint's query string.
func BuildURL(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, vs := range params {
		for i, v := range vs {
			if i == 0 {
				q.Set(k, v)
			} else {
				q.Add(k, v)
			}
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
