package filter

/*
Here the Env used in the room message filters is defined.
Once this struct is fixed, it should not be changed, otherwise filters
configured for existing rooms may not compile any more (f.e. if properties
are renamed etc.)
*/

type User struct {
	Username string
	Picture  string
}

// Env is the environment a room's message_filter expression is evaluated
// against, once per candidate recipient.
type Env struct {
	Room     string
	Author   User
	Target   User
	Content  string
	Mentions []string
	Created  int64
}
