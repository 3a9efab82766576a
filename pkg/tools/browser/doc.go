// Package browser hosts the Playwright engine that runs inside the browser
// worker process, and the agent tools that drive it through the supervisor.
//
// # Engine
//
// Engine implements worker.Engine. On reset it opens a fresh browser context
// on the start URL. Every element under <body> is tagged with a data-bid
// attribute, and actions refer to elements by that identifier:
//
//	goto('https://example.com')
//	click('12')
//	fill('31', 'hello')
//	select_option('40', ['red', 'blue'])
//	scroll(0, 400)
//	noop(1000)
//
// An action string may hold several calls, one per line. Syntax errors and
// Playwright failures are reported in the observation's last_action_error;
// the engine keeps running.
//
// # Tools
//
// browser_goto, browser_click, browser_input and browser_noop turn their XML
// arguments into an action string, send it through a Stepper (normally the
// supervisor) and render the observation with AgentText. The rendered block
// is delimited by BROWSER INFO markers so StripBrowserInfo can collapse it
// in older conversation turns.
package browser
