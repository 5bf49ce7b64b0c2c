package hrq

// Session is a leaf consumer attached to one Resource. Sessions do not
// form sub-trees; their Weight competes directly with sibling sessions
// (and sibling child resources) for the owning resource's tokens.
type Session struct {
	ClientID             string
	Resource             *Resource
	AmountRequested      float64
	FreeResource         float64
	Weight               float64 // < 1 is treated as 1
	Active               bool
	NeedSendChangedProps bool
	TotalConsumed        float64
}

// NewSession attaches a new Session to r and registers it as one of r's
// leaf consumers.
func NewSession(r *Resource, clientID string) *Session {
	s := &Session{ClientID: clientID, Resource: r, Weight: 1}
	r.leafSessions = append(r.leafSessions, s)
	return s
}

// Request records continuous demand for amount units, activating the
// session (and its ancestor chain) if it was idle. Tokens are not granted
// here; they arrive from the next scheduling tick.
func (s *Session) Request(amount float64) {
	s.AmountRequested = amount
	if !s.Active {
		Activate(s)
	}
}

// Consume withdraws up to amount from the session's FreeResource,
// returning how much was actually taken. Used by callers that spend
// tokens as they do work, rather than all at once.
func (s *Session) Consume(amount float64) float64 {
	taken := amount
	if taken > s.FreeResource {
		taken = s.FreeResource
	}
	s.FreeResource -= taken
	s.TotalConsumed += taken
	return taken
}

// capFreeResource bounds a session's balance at its demand plus the
// resource's burst allowance: an idle session cannot bank tokens beyond
// what it asked for.
func (s *Session) capFreeResource() {
	limit := s.AmountRequested + s.Resource.Burst
	if s.FreeResource > limit {
		s.FreeResource = limit
	}
}
