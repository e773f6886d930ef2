package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/mjl-/relayq/mlog"
)

// cmd is a subcommand. The function for a command sets params and help, and
// then calls Parse, which makes it possible to gather usage information for all
// commands without running them.
type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling the command.
	flag     *flag.FlagSet
	flagArgs []string
	log      mlog.Log

	// Set when only gathering usage, Parse then panics with gatherDone.
	gathering bool

	// Set by the command before Parse.
	unlisted bool   // Not in the overall usage, only in help for a matching prefix.
	params   string // Arguments, one usage line per line.
	help     string // First line is the synopsis.
	args     []string
}

type gatherDone struct{}

func (c *cmd) name() string {
	return "relayq " + strings.Join(c.words, " ")
}

// Parse parses the flags of the command and returns the remaining arguments.
func (c *cmd) Parse() []string {
	if c.gathering {
		panic(gatherDone{})
	}
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

// gather runs the command up to Parse, to fill in flags, params and help.
func (c *cmd) gather() {
	c.flag = flag.NewFlagSet(c.name(), flag.ExitOnError)
	c.gathering = true
	defer func() {
		c.gathering = false
		if x := recover(); x != nil {
			if _, ok := x.(gatherDone); !ok {
				panic(x)
			}
		}
	}()
	c.fn(c)
}

func (c *cmd) synopsis() string {
	s, _, _ := strings.Cut(c.help, "\n")
	return s
}

func (c *cmd) writeUsage(w io.Writer) {
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		pre := "      "
		if i == 0 {
			pre = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(w, "%s %s%s\n", pre, c.name(), line)
	}
	c.flag.SetOutput(w)
	c.flag.PrintDefaults()
}

func (c *cmd) makeUsage() string {
	var b strings.Builder
	c.writeUsage(&b)
	return b.String()
}

// writeHelp writes the usage and full help text.
func (c *cmd) writeHelp(w io.Writer) {
	c.writeUsage(w)
	if c.help != "" {
		fmt.Fprintf(w, "\n%s\n", c.help)
	}
}

// Usage prints help to stderr and exits with status 2.
func (c *cmd) Usage() {
	c.writeHelp(os.Stderr)
	os.Exit(2)
}

// lookup returns the command matching args, with the arguments that remain
// after the command words. If no command matches, the commands that share
// leading words with args are returned as partial.
func lookup(args []string) (c *cmd, rest []string, partial []cmd) {
	for i := range cmds {
		words := cmds[i].words
		if len(args) >= len(words) && slices.Equal(args[:len(words)], words) {
			return &cmds[i], args[len(words):], nil
		}
		if len(args) > 0 && args[0] == words[0] {
			partial = append(partial, cmds[i])
		}
	}
	return nil, nil, partial
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	xc, rest, partial := lookup(args)
	if xc != nil && len(rest) == 0 {
		xc.gather()
		xc.writeHelp(os.Stdout)
		return
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, pc := range partial {
		pc.gather()
		fmt.Println(pc.name())
		if s := pc.synopsis(); s != "" {
			fmt.Printf("\t%s\n", s)
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	first := true
	for _, hc := range cmds {
		hc.gather()
		if hc.unlisted {
			continue
		}
		if !first {
			fmt.Println()
		}
		first = false

		fmt.Printf("# %s\n\n", hc.name())
		if hc.help != "" {
			fmt.Printf("%s\n\n", hc.help)
		}
		u := strings.TrimRight(hc.makeUsage(), "\n")
		fmt.Printf("\t%s\n", strings.ReplaceAll(u, "\n", "\n\t"))
	}
}

// usage prints the usage lines for commands and exits. With unlisted, commands
// marked unlisted are included, and the global flags are left out.
func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "relayq [-config config/relayq.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, p := range strings.Split(c.params, "\n") {
			lines = append(lines, strings.TrimSpace(c.name()+" "+p))
		}
	}
	for i, line := range lines {
		if i == 0 {
			fmt.Fprintf(os.Stderr, "usage: %s\n", line)
		} else {
			fmt.Fprintf(os.Stderr, "       %s\n", line)
		}
	}
	os.Exit(2)
}
