package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/devicelab-dev/device-harness/pkg/core"
)

// console prints the status lines a user sees; details go to the log files.
type console struct {
	out io.Writer

	bold   *color.Color
	green  *color.Color
	red    *color.Color
	yellow *color.Color
	gray   *color.Color
}

func newConsole(out io.Writer, noANSI bool) *console {
	c := &console{
		out:    out,
		bold:   color.New(color.Bold),
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed),
		yellow: color.New(color.FgYellow),
		gray:   color.New(color.FgHiBlack),
	}
	if noANSI || !colorsEnabled(out) {
		for _, col := range []*color.Color{c.bold, c.green, c.red, c.yellow, c.gray} {
			col.DisableColor()
		}
	}
	return c
}

// colorsEnabled respects NO_COLOR and only colors terminals.
func colorsEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (c *console) start(command, target string) {
	fmt.Fprintf(c.out, "%s %s\n", c.bold.Sprint(command), c.gray.Sprint(target))
}

func (c *console) warn(format string, v ...interface{}) {
	fmt.Fprintf(c.out, "%s %s\n", c.yellow.Sprint("!"), fmt.Sprintf(format, v...))
}

func (c *console) result(command string, code core.ExitCode, elapsed string, logDir string) {
	switch code {
	case core.Success:
		fmt.Fprintf(c.out, "%s %s succeeded %s\n", c.green.Sprint("✓"), command, c.gray.Sprintf("(%s)", elapsed))
	case core.TestsFailed:
		fmt.Fprintf(c.out, "%s %s finished with test failures %s\n", c.yellow.Sprint("✗"), command, c.gray.Sprintf("(%s)", elapsed))
	default:
		fmt.Fprintf(c.out, "%s %s failed: %s (%d) %s\n", c.red.Sprint("✗"), command, code, int(code), c.gray.Sprintf("(%s)", elapsed))
	}
	if logDir != "" {
		fmt.Fprintf(c.out, "  %s %s\n", c.gray.Sprint("Logs:"), logDir)
	}
}
