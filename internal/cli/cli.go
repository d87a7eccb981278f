package cli

import (
	"errors"

	"github.com/jessevdk/go-flags"
)

// Option defines the command line options of the seriesmath command.
type Option struct {
	Input        string `short:"i" long:"input" description:"JSON document to evaluate, - for stdin" default:"-"`
	Output       string `short:"o" long:"output" description:"file to write the processed response to, - for stdout" default:"-"`
	ResponsePath string `long:"response-path" description:"path of the response envelope in the input document" default:"response"`
	PanelPath    string `long:"panel-path" description:"path of the panel configuration in the input document" default:"panel"`
	Config       string `short:"c" long:"config" description:"config file to read"`
	Debug        bool   `short:"d" long:"debug" description:"debug mode"`
}

// ServerOption defines the command line options of the seriesmath-server
// command.
type ServerOption struct {
	Config string `short:"c" long:"config" description:"config file to read"`
	Host   string `long:"host" description:"listen host, overrides the config file"`
	Port   int    `short:"p" long:"port" description:"listen port, overrides the config file"`
	Debug  bool   `short:"d" long:"debug" description:"debug mode"`
}

var errUnexpectedArgs = errors.New("unexpected positional arguments")

// Parse returns parsed command-line flags in Option struct. args excludes the
// program name.
func Parse(name string, args []string) (*Option, error) {
	opt := &Option{}
	if err := parse(name, "[OPTIONS]", opt, args); err != nil {
		return nil, err
	}
	return opt, nil
}

// ParseServer returns parsed command-line flags in ServerOption struct.
func ParseServer(name string, args []string) (*ServerOption, error) {
	opt := &ServerOption{}
	if err := parse(name, "[OPTIONS]", opt, args); err != nil {
		return nil, err
	}
	return opt, nil
}

func parse(name, usage string, opt any, args []string) error {
	parser := flags.NewParser(opt, flags.Default)
	parser.Name = name
	parser.Usage = usage

	rest, err := parser.ParseArgs(args)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return errUnexpectedArgs
	}
	return nil
}

func IsHelp(err error) bool {
	return flags.WroteHelp(err)
}
