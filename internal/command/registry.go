// ABOUTME: Slash-command registry: regex patterns with named capture groups, first match wins.
// ABOUTME: The help text is generated from the registered specs, so it never drifts from the code.

package command

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nekobridge/nekobridge/internal/message"
)

// Handler executes one matched command. args holds the pattern's named
// capture groups; absent optional groups map to "".
type Handler func(ctx context.Context, msg message.Incoming, args map[string]string) (reply string, err error)

// Spec declares one command.
type Spec struct {
	Name        string // bare name, e.g. "new"
	Pattern     string // anchored regex over the trimmed message text
	Usage       string // shown in help, e.g. "/new [目录]"
	Description string
	Handler     Handler
}

type compiled struct {
	Spec
	re *regexp.Regexp
}

// Registry matches inbound text against the registered commands.
type Registry struct {
	specs []*compiled
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a command. Registration order is match order.
func (r *Registry) Register(spec Spec) error {
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return fmt.Errorf("command %s: compiling pattern: %w", spec.Name, err)
	}
	r.specs = append(r.specs, &compiled{Spec: spec, re: re})
	return nil
}

// Dispatch runs the first command matching the message text. It reports
// whether a command was recognized; unrecognized slash-prefixed text
// falls through to the caller.
func (r *Registry) Dispatch(ctx context.Context, msg message.Incoming) (string, bool, error) {
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return "", false, nil
	}

	for _, c := range r.specs {
		m := c.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		args := make(map[string]string)
		for i, name := range c.re.SubexpNames() {
			if name != "" && i < len(m) {
				args[name] = m[i]
			}
		}
		reply, err := c.Handler(ctx, msg, args)
		return reply, true, err
	}
	return "", false, nil
}

// Help renders the command list.
func (r *Registry) Help() string {
	var sb strings.Builder
	sb.WriteString("指令列表：")
	for _, c := range r.specs {
		fmt.Fprintf(&sb, "\n%s - %s", c.Usage, c.Description)
	}
	return sb.String()
}

var rawForwardRe = regexp.MustCompile(`^/send(?:\s+([\s\S]*))?$`)

// StripRawForward recognizes the raw-forward command and returns the
// text to pass to the agent verbatim, bypassing command parsing. An
// empty body is reported so the caller can show usage instead.
func StripRawForward(text string) (body string, ok bool) {
	m := rawForwardRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}
