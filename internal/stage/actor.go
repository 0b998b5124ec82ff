package stage

// Actor is a player bound to a stage, keyed by account id. All fields are
// read and written on the stage's mailbox only; the session gateway reaches
// an actor exclusively through mailbox messages.
type Actor struct {
	accountID  int64
	sessionNID string // NID of the gateway server holding the socket
	sessionID  int64

	authenticated bool
	connected     bool

	handler ActorHandler // user state, may be nil
}

// AccountID returns the actor's account id.
func (a *Actor) AccountID() int64 {
	return a.accountID
}

// SessionNID returns the gateway server currently holding the client socket.
func (a *Actor) SessionNID() string {
	return a.sessionNID
}

// SessionID returns the current client session id.
func (a *Actor) SessionID() int64 {
	return a.sessionID
}

// Authenticated reports whether OnAuthenticate has succeeded.
func (a *Actor) Authenticated() bool {
	return a.authenticated
}

// Connected reports whether the client socket is up.
func (a *Actor) Connected() bool {
	return a.connected
}

// Handler returns the user actor state, nil when the stage type registered
// none.
func (a *Actor) Handler() ActorHandler {
	return a.handler
}

// rebind points the actor at a new client session. Runs on the mailbox.
func (a *Actor) rebind(sessionNID string, sessionID int64) {
	a.sessionNID = sessionNID
	a.sessionID = sessionID
	a.connected = true
}
