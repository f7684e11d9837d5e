package moderation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter_Check(t *testing.T) {
	f := NewFilterWithTerms([]string{"badword", "offensive", "kill yourself", "go die", "send nudes"})

	tests := []struct {
		name string
		text string
		term string // empty means clean
	}{
		{"word alone", "badword", "badword"},
		{"word upper case", "BaDwOrD", "badword"},
		{"word with punctuation", "well, badword!", "badword"},
		{"word prefix only", "badwording is fine", ""},
		{"word glued to another", "mybadword", ""},
		{"phrase", "you should kill yourself now", "kill yourself"},
		{"phrase upper case", "GO DIE already", "go die"},
		{"phrase split by other word", "kill and yourself", ""},
		{"phrase plural", "kill yourselves", ""},
		{"phrase across punctuation", "go... die", "go die"},
		{"leet word", "0ff3n$!v3", "offensive"},
		{"leet at sign", "b@dw0rd", "badword"},
		{"leet phrase", "pls $3nd nud3$", "send nudes"},
		{"room chatter", "meeting moved to room 4, see you there", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := require.New(t)
			got := f.Check(tt.text)
			if tt.term == "" {
				is.False(got.Blocked, "term=%q reason=%q", got.Term, got.Reason)
				return
			}
			is.True(got.Blocked)
			is.Equal(ReasonKeyword, got.Reason)
			is.Equal(tt.term, got.Term)
		})
	}
}

func TestFilter_KeywordWinsOverContent(t *testing.T) {
	is := require.New(t)
	f := NewFilterWithTerms([]string{"free bitcoin"})

	got := f.Check("free bitcoin at https://example.com")
	is.Equal(ReasonKeyword, got.Reason)

	got = f.Check("docs at https://example.com")
	is.Equal(ReasonSpam, got.Reason)
	is.Equal(SpamLink, got.Term)
}

func TestNewFilter_DefaultTerms(t *testing.T) {
	is := require.New(t)
	f := NewFilter()
	is.NotNil(f.matcher)

	for _, text := range []string{"heil hitler", "bomb threat", "free bitcoin", "kys", "child porn"} {
		is.True(f.Check(text).Blocked, text)
	}
	for _, text := range []string{
		"who is joining the standup room?",
		"I need to assess the situation",
		"the grape harvest was great",
		"see page 3.14 of the notes",
	} {
		is.False(f.Check(text).Blocked, text)
	}
}

func TestNewFilterWithTerms_Shapes(t *testing.T) {
	is := require.New(t)
	f := NewFilterWithTerms([]string{"", "   ", "Solo", "Two  Words", "!!"})

	is.Equal(map[string]struct{}{"solo": {}}, f.words)
	is.Equal([]string{"two words"}, f.phrases)

	is.Nil(NewFilterWithTerms([]string{"only"}).matcher)
}

func TestFilter_WithTermsLeavesReceiver(t *testing.T) {
	is := require.New(t)
	base := NewFilterWithTerms([]string{"badword"})
	f := base.WithTerms([]string{"Room Raid", "extra"})

	is.True(f.Check("badword").Blocked)
	is.True(f.Check("extra").Blocked)
	is.True(f.Check("planning a room   raid tonight").Blocked)
	is.False(base.Check("extra").Blocked)
}

func TestTokenizers(t *testing.T) {
	is := require.New(t)
	is.Equal([]string{"hello", "world"}, tokenizePlain("hello---world!"))
	is.Empty(tokenizePlain("  ... "))
	is.Equal([]string{"hello", "$h!t", "bye"}, tokenizeLeet("hello  $h!t bye"))
	is.Equal("change", normalizeLeet("ch@ng3"))
	is.Equal("shit", normalizeLeet("$h!t"))
}

func BenchmarkFilter_Check(b *testing.B) {
	f := NewFilter()
	msg := strings.Repeat("is anyone else in the lobby room right now? ", 20)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Check(msg)
	}
}
