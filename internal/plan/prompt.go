package plan

import "fmt"

// actionListPrompt returns the static list of available step actions.
func actionListPrompt() string {
	return `Available step actions:

    1. Surface Control:
    - open: Open a URL in a fresh tab. (Params: url)
    - navigate: Go to a URL in the current tab. (Params: url)
    - refresh: Reload the current page. (Params: none)
    - back: Go back one page in history. (Params: none)
    - forward: Go forward one page in history. (Params: none)
    - close: Close the current tab. (Params: none)

    2. Page Interaction:
    - click: Click the element matching a CSS selector. (Params: selector)
    - type: Type text into the element matching a selector. (Params: selector, text)
    - press: Press a single key such as "Enter" or "Tab". (Params: key)
    - select: Choose an option of a select element by value. (Params: selector, value)
    - scroll: Scroll the page. (Params: direction="up" or "down")
    - wait: Pause before the next step. (Params: duration_ms, at most 30000)

    3. Delegated (forwarded to the controller, never executed locally):
    - respond: Send a message back to the user. (Params: text)
    - notify: Raise a notification for the user. (Params: title, text)`
}

// SystemPrompt returns the static planner instructions, including the action
// vocabulary and the JSON contract the response must follow.
func (p *Pipeline) SystemPrompt() string {
	return fmt.Sprintf(`You are the planning component of a browser automation agent. You convert a
user task into an ordered plan of declarative steps. A separate executor
performs the steps against the live page; you never see the page yourself.

%s

Plan requirements:
    - Respond with a single JSON object and nothing else.
    - The object must contain a "steps" array with 1 to %d entries.
    - Every step must have an "action" string and a "params" object, even when empty.
    - Use only the actions listed above. Do not invent new ones.
    - Steps run in order; put navigation before interaction with the page it loads.

Example response:
{"steps": [{"action": "navigate", "params": {"url": "https://example.com"}}, {"action": "click", "params": {"selector": "#login"}}]}`,
		actionListPrompt(), p.maxSteps)
}

// UserPrompt frames the task text for the generation request.
func (p *Pipeline) UserPrompt(task string) string {
	return fmt.Sprintf(`Task: %s

Produce the step plan now. Respond with only the JSON object.`, task)
}
