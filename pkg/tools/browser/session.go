package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
)

// apply executes one parsed action against the active page.
func (e *Engine) apply(ctx context.Context, a Action) error {
	page := e.active

	switch a.Name {
	case "goto":
		url, _ := a.str(0)
		if _, err := page.Goto(url); err != nil {
			return fmt.Errorf("navigation failed: %w", err)
		}

	case "click", "dblclick":
		bid, _ := a.str(0)
		var button *playwright.MouseButton
		if len(a.Args) == 2 {
			name, _ := a.str(1)
			switch name {
			case "left", "right", "middle":
			default:
				return fmt.Errorf("invalid button: %s (must be 'left', 'right', or 'middle')", name)
			}
			b := playwright.MouseButton(name)
			button = &b
		}
		if a.Name == "dblclick" {
			if err := page.Dblclick(bidSelector(bid), playwright.PageDblclickOptions{Button: button}); err != nil {
				return fmt.Errorf("dblclick failed: %w", err)
			}
			break
		}
		if err := page.Click(bidSelector(bid), playwright.PageClickOptions{Button: button}); err != nil {
			return fmt.Errorf("click failed: %w", err)
		}

	case "hover":
		bid, _ := a.str(0)
		if err := page.Hover(bidSelector(bid)); err != nil {
			return fmt.Errorf("hover failed: %w", err)
		}

	case "fill", "clear":
		bid, _ := a.str(0)
		value := ""
		if a.Name == "fill" {
			value, _ = a.str(1)
		}
		if err := page.Fill(bidSelector(bid), value); err != nil {
			return fmt.Errorf("%s failed: %w", a.Name, err)
		}

	case "press":
		bid, _ := a.str(0)
		key, _ := a.str(1)
		if err := page.Press(bidSelector(bid), key); err != nil {
			return fmt.Errorf("press failed: %w", err)
		}

	case "focus":
		bid, _ := a.str(0)
		if err := page.Focus(bidSelector(bid)); err != nil {
			return fmt.Errorf("focus failed: %w", err)
		}

	case "select_option":
		bid, _ := a.str(0)
		options, _ := a.stringList(1)
		if _, err := page.SelectOption(bidSelector(bid), playwright.SelectOptionValues{Values: &options}); err != nil {
			return fmt.Errorf("select_option failed: %w", err)
		}

	case "scroll":
		dx, _ := a.number(0)
		dy, _ := a.number(1)
		if err := page.Mouse().Wheel(dx, dy); err != nil {
			return fmt.Errorf("scroll failed: %w", err)
		}

	case "go_back":
		if _, err := page.GoBack(); err != nil {
			return fmt.Errorf("go_back failed: %w", err)
		}

	case "go_forward":
		if _, err := page.GoForward(); err != nil {
			return fmt.Errorf("go_forward failed: %w", err)
		}

	case "new_tab":
		p, err := e.context.NewPage()
		if err != nil {
			return fmt.Errorf("new_tab failed: %w", err)
		}
		e.active = p

	case "tab_focus":
		n, _ := a.number(0)
		return e.focusTab(int(n))

	case "tab_close":
		return e.closeTab()

	case "noop":
		wait := float64(DefaultNoopWait)
		if len(a.Args) == 1 {
			wait, _ = a.number(0)
		}
		sleep(ctx, time.Duration(wait*float64(time.Millisecond)))

	default:
		return fmt.Errorf("unknown action %q", a.Name)
	}
	return nil
}

func (e *Engine) focusTab(index int) error {
	pages := e.context.Pages()
	if index < 0 || index >= len(pages) {
		return fmt.Errorf("tab_focus failed: no tab at index %d (%d open)", index, len(pages))
	}
	e.active = pages[index]
	if err := e.active.BringToFront(); err != nil {
		return fmt.Errorf("tab_focus failed: %w", err)
	}
	return nil
}

// closeTab closes the active page and activates the last remaining one,
// opening a blank page when none is left.
func (e *Engine) closeTab() error {
	if err := e.active.Close(); err != nil {
		return fmt.Errorf("tab_close failed: %w", err)
	}
	pages := e.context.Pages()
	if len(pages) == 0 {
		p, err := e.context.NewPage()
		if err != nil {
			return fmt.Errorf("tab_close failed to open a replacement page: %w", err)
		}
		e.active = p
		return nil
	}
	e.active = pages[len(pages)-1]
	return e.active.BringToFront()
}
