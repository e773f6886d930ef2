package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/mjl-/sconf"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/relayq-"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"queue list", cmdQueueList},
	{"queue errors", cmdQueueErrors},
	{"queue history", cmdQueueHistory},
	{"queue add", cmdQueueAdd},
	{"queue dump", cmdQueueDump},
	{"queue verify", cmdQueueVerify},
	{"queue kick", cmdQueueKick},
	{"queue fail", cmdQueueFail},
	{"queue retry", cmdQueueRetry},
	{"queue drop", cmdQueueDrop},
	{"setadminpassword", cmdSetadminpassword},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

var loglevel string // Empty is interpreted as info.

// setLoglevel sets the default log level, from the -loglevel flag or info.
func setLoglevel() {
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	level, ok := mlog.Levels[ll]
	if !ok {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
	relayq.Conf.Log[""] = level
	mlog.SetConfig(relayq.Conf.Log)
}

// mustLoadConfig loads the config file for subcommands other than serve,
// keeping the log level from the command-line.
func mustLoadConfig() {
	relayq.MustLoadConfig()
	setLoglevel()
}

func main() {
	log.SetFlags(0)

	relayq.LoadEnv()

	flag.StringVar(&relayq.ConfigStaticPath, "config", envString("RELAYQCONF", filepath.FromSlash("config/relayq.conf")), "configuration file, other config files are looked up in the same directory, defaults to $RELAYQCONF with a fallback to config/relayq.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	// Set again when a subcommand loads the config.
	setLoglevel()

	c, rest, partial := lookup(args)
	if c == nil {
		if len(partial) > 0 {
			usage(partial, true)
		}
		usage(cmds, false)
	}
	c.flag = flag.NewFlagSet(c.name(), flag.ExitOnError)
	c.flagArgs = rest
	c.log = mlog.New(strings.Join(c.words, ""), nil)
	c.fn(c)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed. Files referenced from the configuration file, like the private
key for signing delivery status notifications, are not read.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := relayq.ParseConfig(context.Background(), c.log, relayq.ConfigStaticPath, true)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">relayq.conf"
	c.help = `Prints an annotated empty configuration for use as relayq.conf.

The configuration file cannot be reloaded while relayq is running. Relayq has
to be restarted for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this relayq version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(relayq.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func cmdSetadminpassword(c *cmd) {
	c.help = `Set a new admin password, for the queue API.

The password is read from stdin. Its bcrypt hash is stored in the file
configured as PasswordFile in AdminHTTP.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	mustLoadConfig()

	ah := relayq.Conf.Static.AdminHTTP
	if ah == nil || ah.PasswordFile == "" {
		log.Fatal("no admin password file configured")
	}
	path := relayq.ConfigDirPath(ah.PasswordFile)

	pw := xreadpassword()
	pw, err := precis.OpaqueString.String(pw)
	xcheckf(err, `checking password with "precis" requirements`)
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	xcheckf(err, "generating hash for password")
	err = os.WriteFile(path, hash, 0660)
	xcheckf(err, "writing hash to admin password file")
}

func xreadpassword() string {
	fmt.Printf(`
Type new password. Password WILL echo.

The admin API can move mails out of and into the queue. Pick a random,
unguessable password, preferably at least 12 characters.

`)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	// A missing trailing newline at EOF is fine, Err is nil in that case.
	scanner.Scan()
	xcheckf(scanner.Err(), "reading stdin")
	pw := scanner.Text()
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	return pw
}

func printJSON(indent string, v any) {
	fmt.Printf("%s", indent)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent(indent, "\t")
	enc.SetEscapeHTML(false)
	err := enc.Encode(v)
	xcheckf(err, "encode json")
}

