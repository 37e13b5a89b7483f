package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	p := NewCommandParser("AssistantBot")

	cases := []struct {
		text    string
		cmd     string
		args    []string
		command bool
	}{
		{"/start", "start", nil, true},
		{"  /give 42 100 ", "give", []string{"42", "100"}, true},
		{"!Лимиты", "лимиты", nil, true},
		{".тарифы", "тарифы", nil, true},
		{"/start@assistantbot", "start", nil, true},
		{"/start@OtherBot", "", nil, false},
		{"/", "", nil, false},
		{"/@assistantbot", "", nil, false},
		{"как дела?", "", nil, false},
		{"", "", nil, false},
	}
	for _, c := range cases {
		cmd, args, ok := p.ParseCommand(c.text)
		assert.Equal(t, c.command, ok, c.text)
		assert.Equal(t, c.cmd, cmd, c.text)
		assert.Equal(t, c.args, args, c.text)
	}
}
