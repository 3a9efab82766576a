package browser

import (
	"encoding/json"
	"fmt"

	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/browserd/pkg/worker"
)

// bidAttribute is the attribute carrying each element's identifier.
const bidAttribute = "data-bid"

// markScript tags every element under <body> with a data-bid attribute and
// returns the element properties as a JSON string. Identifiers are stable for
// the lifetime of a document.
const markScript = `() => {
  let next = window.__browserdNextBid || 0;
  const skipped = new Set(['SCRIPT', 'STYLE', 'NOSCRIPT', 'TEMPLATE', 'META', 'LINK']);
  const implicitRoles = {
    a: 'link', button: 'button', select: 'combobox', textarea: 'textbox',
    img: 'img', ul: 'list', ol: 'list', li: 'listitem', nav: 'navigation',
    main: 'main', form: 'form', table: 'table', tr: 'row', td: 'cell',
    th: 'columnheader', option: 'option', dialog: 'dialog', summary: 'button',
    h1: 'heading', h2: 'heading', h3: 'heading', h4: 'heading', h5: 'heading', h6: 'heading'
  };
  const inputRoles = {
    checkbox: 'checkbox', radio: 'radio', button: 'button', submit: 'button',
    reset: 'button', range: 'slider', search: 'searchbox', number: 'spinbutton'
  };
  const clickableRoles = new Set(['button', 'link', 'checkbox', 'radio', 'tab', 'menuitem', 'option', 'switch', 'combobox']);
  const clean = (s) => (s || '').replace(/\s+/g, ' ').trim().slice(0, 100);

  const roleOf = (el, tag) => {
    const explicit = el.getAttribute('role');
    if (explicit) return explicit;
    if (tag === 'input') return inputRoles[(el.getAttribute('type') || 'text').toLowerCase()] || 'textbox';
    if (tag === 'a' && !el.hasAttribute('href')) return '';
    return implicitRoles[tag] || '';
  };
  const nameOf = (el, tag) => {
    const label = el.getAttribute('aria-label') || el.getAttribute('alt') ||
      el.getAttribute('title') || el.getAttribute('placeholder');
    if (label) return clean(label);
    if (el.labels && el.labels.length) return clean(el.labels[0].innerText);
    let own = '';
    for (const child of el.childNodes) {
      if (child.nodeType === Node.TEXT_NODE) own += child.textContent;
    }
    own = clean(own);
    if (!own && ['a', 'button', 'option', 'summary', 'label'].includes(tag)) own = clean(el.innerText);
    return own;
  };

  const out = [];
  const walk = (el, depth) => {
    if (skipped.has(el.tagName)) return;
    if (!el.hasAttribute('data-bid')) el.setAttribute('data-bid', String(next++));
    const tag = el.tagName.toLowerCase();
    const role = roleOf(el, tag);
    const rect = el.getBoundingClientRect();
    const style = window.getComputedStyle(el);
    const visible = rect.width > 0 && rect.height > 0 &&
      style.visibility !== 'hidden' && style.display !== 'none' &&
      rect.bottom > 0 && rect.right > 0 &&
      rect.top < window.innerHeight && rect.left < window.innerWidth;
    const clickable = ['a', 'button', 'select', 'textarea', 'input', 'option', 'summary', 'label'].includes(tag) ||
      clickableRoles.has(role) || typeof el.onclick === 'function' || style.cursor === 'pointer';
    out.push({
      bid: el.getAttribute('data-bid'),
      tag: tag,
      role: role,
      name: nameOf(el, tag),
      value: (typeof el.value === 'string' && tag !== 'li') ? el.value.slice(0, 200) : '',
      x: rect.x, y: rect.y, width: rect.width, height: rect.height,
      visible: visible,
      clickable: clickable,
      depth: depth
    });
    for (const child of el.children) walk(child, depth + 1);
  };
  if (document.body) walk(document.body, 0);
  window.__browserdNextBid = next;

  const active = document.activeElement;
  const focused = active && active !== document.body ? (active.getAttribute('data-bid') || '') : '';
  return JSON.stringify({elements: out, focused: focused});
}`

type markResult struct {
	Elements []worker.Element `json:"elements"`
	Focused  string           `json:"focused"`
}

// markElements runs markScript on page.
func markElements(page playwright.Page) (*markResult, error) {
	value, err := page.Evaluate(markScript)
	if err != nil {
		return nil, fmt.Errorf("failed to mark elements: %w", err)
	}
	raw, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected mark result of type %T", value)
	}

	var result markResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("failed to decode mark result: %w", err)
	}
	return &result, nil
}

// bidSelector returns the CSS selector for the element tagged bid.
func bidSelector(bid string) string {
	return fmt.Sprintf("[%s=%q]", bidAttribute, bid)
}
