package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shurlinet/torusmesh/internal/config"
)

// reorderArgs moves flags ahead of positional arguments so the flag
// package sees them wherever the user typed them. boolFlags names flags
// that take no value; every other flag consumes the next argument.
//
//	reorderArgs(["node.yaml", "--role", "node"], nil)
//	→ ["--role", "node", "node.yaml"]
func reorderArgs(args []string, boolFlags map[string]bool) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positional = append(positional, arg)
			continue
		}
		flags = append(flags, arg)

		name := strings.TrimLeft(arg, "-")
		if strings.Contains(name, "=") || boolFlags[name] {
			continue
		}
		if i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return append(flags, positional...)
}

// logFlags are the logging options shared by the long-running commands.
type logFlags struct {
	level  *string
	format *string
}

func addLogFlags(fs *flag.FlagSet) *logFlags {
	return &logFlags{
		level:  fs.String("log-level", "info", "log level: debug, info, warn or error"),
		format: fs.String("log-format", "text", "log format: text or json"),
	}
}

// logger builds the process logger writing to w.
func (lf *logFlags) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(*lf.level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", *lf.level)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch *lf.format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q (want text or json)", *lf.format)
}

// parseRole maps a --role value to a config role.
func parseRole(s string) (config.Role, error) {
	switch config.Role(s) {
	case config.RoleNode, config.RoleRendezvous:
		return config.Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q (want node or rendezvous)", s)
}

// resolveConfigFile finds the config file for role. With no explicit path
// and nothing on the search path it returns "" so the caller uses defaults.
func resolveConfigFile(explicit string, role config.Role) (string, error) {
	path, err := config.FindConfigFile(explicit, role)
	if err != nil {
		if explicit == "" && errors.Is(err, config.ErrConfigNotFound) {
			return "", nil
		}
		return "", err
	}
	return path, nil
}
