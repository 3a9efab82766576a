package browser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/entrhq/browserd/pkg/worker"
)

const (
	browserInfoBegin = "============== BROWSER INFO BEGIN =============="
	browserInfoEnd   = "============== BROWSER INFO END =============="

	// BrowserInfoPlaceholder replaces browser blocks removed from history.
	BrowserInfoPlaceholder = "[history browser info removed for brevity]"

	elementTreeHeader = "Element tree of the COMPLETE webpage:\n" +
		"Note: [bid] is the unique alpha-numeric identifier at the beginning of lines for each element. " +
		"Always use bid to refer to elements in your actions.\n"
)

var browserInfoPattern = regexp.MustCompile(
	`(?is)` + regexp.QuoteMeta(browserInfoBegin) + `(.*?)` + regexp.QuoteMeta(browserInfoEnd))

// AgentText renders an observation as the text shown to the model: the page
// location, the outcome of the last action and the element tree, wrapped in
// BROWSER INFO markers so StripBrowserInfo can drop it from later turns.
func AgentText(obs *worker.Observation) string {
	var b strings.Builder
	b.WriteString(browserInfoBegin + "\n")
	fmt.Fprintf(&b, "[Current URL: %s]\n", obs.URL)
	fmt.Fprintf(&b, "[Focused element bid: %s]\n\n", obs.FocusedElementBID)

	if msg := actionErrorText(obs); msg != "" {
		b.WriteString("================ BEGIN error message ===============\n")
		b.WriteString("The following error occurred when executing the last action:\n")
		b.WriteString(msg + "\n")
		b.WriteString("================ END error message ===============\n")
	} else {
		b.WriteString("[Action executed successfully.]\n")
	}

	if len(obs.OpenPagesURLs) > 1 {
		b.WriteString("\nOpen tabs:\n")
		for i, url := range obs.OpenPagesURLs {
			marker := " "
			if i == obs.ActivePageIndex {
				marker = "*"
			}
			fmt.Fprintf(&b, "%s %d: %s\n", marker, i, url)
		}
	}

	b.WriteString("\n" + elementTreeHeader)
	b.WriteString("============== BEGIN element tree ==============\n")
	b.WriteString(ElementTree(obs.Elements))
	b.WriteString("============== END element tree ==============\n")
	b.WriteString(browserInfoEnd)
	return b.String()
}

func actionErrorText(obs *worker.Observation) string {
	switch {
	case obs.Error != nil:
		return obs.Error.Error()
	case obs.LastActionError != "":
		return obs.LastActionError
	}
	return ""
}

// ElementTree lists the visible elements that carry a role, a name or a
// click handler, one per line as `[bid] role "name"`, indented by depth.
func ElementTree(elements []worker.Element) string {
	var b strings.Builder
	for _, el := range elements {
		if !el.Visible || (el.Role == "" && el.Name == "" && !el.Clickable) {
			continue
		}
		role := el.Role
		if role == "" {
			role = el.Tag
		}
		b.WriteString(strings.Repeat("\t", el.Depth))
		fmt.Fprintf(&b, "[%s] %s", el.BID, role)
		if el.Name != "" {
			fmt.Fprintf(&b, " %q", el.Name)
		}
		if el.Value != "" {
			fmt.Fprintf(&b, " value=%q", el.Value)
		}
		if el.Clickable {
			b.WriteString(", clickable")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// StripBrowserInfo replaces every BROWSER INFO block in history with
// BrowserInfoPlaceholder.
func StripBrowserInfo(history string) string {
	return browserInfoPattern.ReplaceAllLiteralString(history, BrowserInfoPlaceholder)
}
