// Package session models the platform's HTTP login flow as an opaque,
// already-authenticated collaborator. spec.md §1 explicitly keeps that login
// (username/password, session cookie, xtoken) out of scope: this package
// only exposes the three fields everything downstream needs, the way the
// teacher's internal/thrippy.LinkClient exposes a LinkID without re-spec'ing
// the OAuth dance that produced it.
package session

import (
	"errors"

	"github.com/lithammer/shortuuid/v4"
)

// Session is the triple a caller must already have obtained out-of-band
// (by logging into the platform over HTTPS) before it can open a CloudLink.
type Session struct {
	SessionID string
	Username  string
	XToken    string

	// TraceID correlates this session's log lines across reconnects. It has
	// no wire meaning; it's generated locally with shortuuid the way the
	// teacher validates (and, here, mints) short opaque IDs.
	TraceID string
}

var ErrIncomplete = errors.New("session: session_id, username and xtoken are all required")

// New validates and wraps a session triple obtained from the platform's
// login flow (out of scope for this module — see spec.md §1).
func New(sessionID, username, xtoken string) (Session, error) {
	if sessionID == "" || username == "" || xtoken == "" {
		return Session{}, ErrIncomplete
	}

	return Session{
		SessionID: sessionID,
		Username:  username,
		XToken:    xtoken,
		TraceID:   shortuuid.New(),
	}, nil
}

// CookieHeader formats the session cookie the platform flavor of CloudLink
// sends during the WebSocket handshake (spec.md §6).
func (s Session) CookieHeader() string {
	return "scratchsessionsid=" + s.SessionID + ";"
}
