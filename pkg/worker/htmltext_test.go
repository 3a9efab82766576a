package worker

import (
	"strings"
	"testing"
)

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		maxLength int
		wantTitle string
		wantDesc  string
		wantText  []string // substrings that should be present
		wantNot   []string // substrings that should NOT be present
		truncated bool
	}{
		{
			name: "scripts and styles are dropped",
			input: `<html>
				<head>
					<title>Test Page</title>
					<meta name="description" content="Test description">
					<script>alert('evil');</script>
					<style>body { color: red; }</style>
				</head>
				<body>
					<h1 id="main-title">Hello World</h1>
					<p class="intro">This is a test.</p>
				</body>
			</html>`,
			maxLength: 10000,
			wantTitle: "Test Page",
			wantDesc:  "Test description",
			wantText:  []string{"# Hello World", "This is a test."},
			wantNot:   []string{"alert", "color: red", "Test Page"},
		},
		{
			name:      "links keep their targets",
			input:     `<html><body><p>Go <a href="https://example.com/docs">to the docs</a> now</p></body></html>`,
			maxLength: 10000,
			wantText:  []string{"Go [to the docs](https://example.com/docs) now"},
		},
		{
			name:      "javascript links are plain text",
			input:     `<html><body><a href="javascript:void(0)">Menu</a></body></html>`,
			maxLength: 10000,
			wantText:  []string{"Menu"},
			wantNot:   []string{"javascript:", "]("},
		},
		{
			name:      "images become alt text",
			input:     `<html><body><img src="/logo.png" alt="Company logo"><img src="/spacer.gif"></body></html>`,
			maxLength: 10000,
			wantText:  []string{"![Company logo]"},
			wantNot:   []string{"logo.png", "spacer"},
		},
		{
			name: "lists and emphasis",
			input: `<html><body><ul>
				<li>First <strong>bold</strong></li>
				<li>Second <em>italic</em></li>
			</ul></body></html>`,
			maxLength: 10000,
			wantText:  []string{"* First **bold**", "* Second _italic_"},
		},
		{
			name: "form controls show their values",
			input: `<html><body><form>
				<input type="text" placeholder="Search">
				<input type="hidden" value="secret-token">
				<input type="submit" value="Go">
				<textarea>Draft</textarea>
			</form></body></html>`,
			maxLength: 10000,
			wantText:  []string{"[Search]", "[Go]", "[Draft]"},
			wantNot:   []string{"secret-token"},
		},
		{
			name:      "long lines are not wrapped",
			input:     `<html><body><p>` + strings.Repeat("word ", 60) + `</p></body></html>`,
			maxLength: 10000,
			wantText:  []string{strings.TrimSpace(strings.Repeat("word ", 60))},
		},
		{
			name:      "truncation",
			input:     `<html><body><p>` + strings.Repeat("a", 500) + `</p></body></html>`,
			maxLength: 100,
			wantText:  []string{"..."},
			truncated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := htmlToText(tt.input, tt.maxLength)
			if err != nil {
				t.Fatalf("htmlToText() error = %v", err)
			}

			if result.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", result.Title, tt.wantTitle)
			}
			if result.Description != tt.wantDesc {
				t.Errorf("Description = %q, want %q", result.Description, tt.wantDesc)
			}
			if result.Truncated != tt.truncated {
				t.Errorf("Truncated = %v, want %v", result.Truncated, tt.truncated)
			}

			for _, want := range tt.wantText {
				if !strings.Contains(result.Text, want) {
					t.Errorf("text missing %q\ngot:\n%s", want, result.Text)
				}
			}
			for _, notWant := range tt.wantNot {
				if strings.Contains(result.Text, notWant) {
					t.Errorf("text should not contain %q\ngot:\n%s", notWant, result.Text)
				}
			}
		})
	}
}

func TestHTMLToText_CollapsesBlankLines(t *testing.T) {
	result, err := htmlToText(`<div><div><p>One</p></div></div><div><p>Two</p></div>`, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if result.Text != "One\n\nTwo" {
		t.Errorf("Text = %q, want %q", result.Text, "One\n\nTwo")
	}
}
