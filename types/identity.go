package types

// Identity is the per-connection identity attached by the gateway (or a
// generated guest name). It is re-supplied on every join; the core never
// verifies it.
type Identity struct {
	Username string `json:"username" mapstructure:"username"`
	Picture  string `json:"picture,omitempty" mapstructure:"picture"`
	// Subject is the stable handle from the gateway token (sub or e-mail).
	// Empty for guests. Never transmitted back to clients.
	Subject string `json:"-" mapstructure:"-"`
}

func (i Identity) IsAnonymous() bool {
	return i.Username == ""
}

// SameActor reports whether both identities refer to the same actor for
// edit/delete authorization. The stable subject wins when both sides carry
// one; display-name equality is the fallback for guest identities.
func (i Identity) SameActor(other Identity) bool {
	if i.Subject != "" && other.Subject != "" {
		return i.Subject == other.Subject
	}
	return i.Username != "" && i.Username == other.Username
}
