package browser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActions(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want []Action
	}{
		{
			name: "goto",
			src:  "goto('https://example.com')",
			want: []Action{{Name: "goto", Args: []interface{}{"https://example.com"}}},
		},
		{
			name: "escaped quote",
			src:  `fill('12', 'it\'s here')`,
			want: []Action{{Name: "fill", Args: []interface{}{"12", "it's here"}}},
		},
		{
			name: "double quotes and spaces",
			src:  `  click ( "7" , "right" ) `,
			want: []Action{{Name: "click", Args: []interface{}{"7", "right"}}},
		},
		{
			name: "numbers",
			src:  "scroll(0, -250.5)",
			want: []Action{{Name: "scroll", Args: []interface{}{float64(0), -250.5}}},
		},
		{
			name: "list argument",
			src:  "select_option('3', ['a', \"b\"])",
			want: []Action{{Name: "select_option", Args: []interface{}{"3", []string{"a", "b"}}}},
		},
		{
			name: "no arguments",
			src:  "go_back()",
			want: []Action{{Name: "go_back"}},
		},
		{
			name: "several lines with comments",
			src:  "# open the form\nclick('4')\n\nfill('5', 'x')\n",
			want: []Action{
				{Name: "click", Args: []interface{}{"4"}},
				{Name: "fill", Args: []interface{}{"5", "x"}},
			},
		},
		{
			name: "newline escape",
			src:  `fill('9', 'one\ntwo')`,
			want: []Action{{Name: "fill", Args: []interface{}{"9", "one\ntwo"}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseActions(tt.src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseActionsErrors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"empty", "  \n ", "no action found"},
		{"unknown action", "explode('1')", "unknown action"},
		{"missing paren", "click '1'", "expected '('"},
		{"unterminated string", "click('1)", "unterminated string"},
		{"too few arguments", "fill('1')", "takes 2 argument(s), got 1"},
		{"too many arguments", "click('1', 'left', 'x')", "takes 1 to 2 arguments"},
		{"wrong type", "click(1)", "must be a string"},
		{"scroll needs numbers", "scroll('a', 'b')", "must be a number"},
		{"trailing text", "click('1') extra", "unexpected"},
		{"bad separator", "fill('1' '2')", "expected ',' or ')'"},
		{"list of numbers", "select_option('1', [2])", "list items must be strings"},
		{"error names the line", "click('1')\nnope()", "line 2"},
		{"bad number", "scroll(1.2.3, 0)", "invalid number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseActions(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestActionString(t *testing.T) {
	tests := []struct {
		action Action
		want   string
	}{
		{Action{Name: "goto", Args: []interface{}{"https://example.com"}}, "goto('https://example.com')"},
		{Action{Name: "fill", Args: []interface{}{"3", `say 'hi' \o/`}}, `fill('3', 'say \'hi\' \\o/')`},
		{Action{Name: "noop", Args: []interface{}{float64(1500)}}, "noop(1500)"},
		{Action{Name: "select_option", Args: []interface{}{"2", []string{"x", "y"}}}, "select_option('2', ['x', 'y'])"},
		{Action{Name: "tab_close"}, "tab_close()"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.action.String())

			// Rendered actions parse back to themselves.
			parsed, err := ParseActions(tt.want)
			require.NoError(t, err)
			require.Len(t, parsed, 1)
			assert.Equal(t, tt.action.Name, parsed[0].Name)
			assert.Equal(t, len(tt.action.Args), len(parsed[0].Args))
		})
	}
}

func TestBidSelector(t *testing.T) {
	assert.Equal(t, `[data-bid="12"]`, bidSelector("12"))
	assert.Equal(t, `[data-bid="a\"b"]`, bidSelector(`a"b`))
}
