package filter

import (
	"testing"

	"github.com/antonmedv/expr"
	"github.com/stretchr/testify/assert"
)

func TestMessageFilter(t *testing.T) {
	env := Env{
		Room:     "general",
		Author:   User{Username: "alice"},
		Target:   User{Username: "bob"},
		Content:  "hello @bob",
		Mentions: []string{"bob"},
		Created:  1620000000,
	}
	res, err := expr.Eval(`Author.Username != Target.Username`, env)
	if err != nil {
		t.Fatalf("error: %s", err)
	}
	assert.Equal(t, true, res.(bool))

	res, err = expr.Eval(`Target.Username in Mentions`, env)
	if err != nil {
		t.Fatalf("error: %s", err)
	}
	assert.Equal(t, true, res.(bool))

	res, err = expr.Eval(`Room == "random"`, env)
	if err != nil {
		t.Fatalf("error: %s", err)
	}
	assert.Equal(t, false, res.(bool))
}

func TestFilterCompiles(t *testing.T) {
	_, err := expr.Compile(`len(Content) < 4096 && Author.Username != ""`, expr.Env(Env{}))
	assert.NoError(t, err)
}
