package ws

import "github.com/isqad/melody"

// sessionSender hands coordinator output to the melody write pump, which
// queues without blocking
type sessionSender struct {
	session *melody.Session
}

func (s *sessionSender) Write(msg []byte) error {
	return s.session.Write(msg)
}

func (s *sessionSender) Close(code int, reason string) error {
	return s.session.CloseWithMsg(melody.FormatCloseMessage(code, reason))
}
