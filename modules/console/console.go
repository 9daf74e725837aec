// Package console renders bus notices for an operator terminal: startup,
// surfaced module errors, applied parameter changes and shutdown.
package console

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/glimte/halcore/contracts"
	"github.com/glimte/halcore/messaging"
	"github.com/glimte/halcore/modules"
)

// FactoryName is the name the console factory is registered under.
const FactoryName = "console"

var (
	primaryColor = lipgloss.Color("#7C3AED")
	okColor      = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
)

// Config is the console's setup block.
type Config struct {
	// Width wraps error cards; 0 leaves them unwrapped.
	Width int `hcl:"width,optional"`
}

// Factory returns the console factory writing to out, or to standard
// output when out is nil.
func Factory(out io.Writer) modules.Factory {
	if out == nil {
		out = os.Stdout
	}
	return modules.Factory{
		APIVersion:  "^1.0",
		Description: "terminal notices for errors and lifecycle events",
		Constructor: func(env modules.Env) (messaging.Module, error) {
			var cfg Config
			if err := env.Decode(&cfg); err != nil {
				return nil, err
			}
			return New(env.Name, out, cfg), nil
		},
	}
}

// Console writes styled notices to a writer.
type Console struct {
	messaging.ModuleBase
	width int

	titleStyle lipgloss.Style
	okStyle    lipgloss.Style
	errorStyle lipgloss.Style
	cardStyle  lipgloss.Style
	mutedStyle lipgloss.Style

	mu      sync.Mutex
	out     io.Writer
	modules []string
	errors  int
}

// New creates a console writing to out.
func New(name string, out io.Writer, cfg Config) *Console {
	r := lipgloss.NewRenderer(out)
	return &Console{
		ModuleBase: messaging.NewModuleBase(name),
		width:      cfg.Width,
		out:        out,
		titleStyle: r.NewStyle().Bold(true).Foreground(primaryColor),
		okStyle:    r.NewStyle().Foreground(okColor),
		errorStyle: r.NewStyle().Bold(true).Foreground(errorColor),
		cardStyle:  r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(errorColor).Padding(0, 1),
		mutedStyle: r.NewStyle().Foreground(mutedColor),
	}
}

// ErrorsShown returns how many errors have been rendered.
func (c *Console) ErrorsShown() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Receive implements messaging.Module.
func (c *Console) Receive(msg *messaging.Message) error {
	defer msg.RefDecrement()

	switch msg.Type() {
	case contracts.Configure1:
		raw, _ := msg.Get(contracts.KeyModuleNames)
		names, _ := contracts.AsStrings(raw)
		c.mu.Lock()
		c.modules = names
		c.mu.Unlock()
	case contracts.Start:
		c.mu.Lock()
		names := strings.Join(c.modules, ", ")
		c.mu.Unlock()
		c.println(c.titleStyle.Render("halcore started") + " " + c.mutedStyle.Render(names))
	case contracts.ShowError:
		c.showError(msg)
	case contracts.ParametersApplied:
		raw, _ := msg.Get(contracts.KeyParameters)
		params, _ := contracts.AsParameters(raw)
		names := make([]string, 0, len(params))
		for name := range params {
			names = append(names, name)
		}
		sort.Strings(names)
		c.println(c.okStyle.Render("parameters applied") + " " + c.mutedStyle.Render(strings.Join(names, ", ")))
	}
	return nil
}

// Teardown prints a closing notice.
func (c *Console) Teardown() {
	c.println(c.mutedStyle.Render("halcore stopped"))
}

func (c *Console) showError(msg *messaging.Message) {
	module, _ := msg.Get(contracts.KeyModule)
	text, _ := msg.Get(contracts.KeyText)

	body := fmt.Sprintf("%s\n%v", c.errorStyle.Render(fmt.Sprintf("error in %v", module)), text)
	card := c.cardStyle
	if c.width > 0 {
		card = card.Width(c.width)
	}

	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
	c.println(card.Render(body))
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}
