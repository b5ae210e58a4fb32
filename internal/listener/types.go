package listener

import "github.com/Arun445/tcp-bench/internal/session"

type SessionEventType int

const (
	Register SessionEventType = iota
	Unregister
)

type Event struct {
	Session *session.Session
	Type    SessionEventType
}
