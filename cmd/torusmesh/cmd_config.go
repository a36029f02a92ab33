package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shurlinet/torusmesh/internal/config"
)

func runConfig(args []string) {
	if len(args) < 1 {
		printConfigUsage()
		osExit(1)
	}

	var err error
	switch args[0] {
	case "validate":
		err = doConfigValidate(args[1:], os.Stdout)
	case "show":
		err = doConfigShow(args[1:], os.Stdout)
	case "rollback":
		err = doConfigRollback(args[1:], os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config command: %s\n\n", args[0])
		printConfigUsage()
		osExit(1)
	}
	if err != nil {
		fatal("Error: %v", err)
	}
}

// configFlags parses the --role and --config flags shared by the config
// subcommands.
func configFlags(name string, args []string) (config.Role, string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	roleFlag := fs.String("role", "node", "node or rendezvous")
	configFlag := fs.String("config", "", "path to config file")
	if err := fs.Parse(reorderArgs(args, nil)); err != nil {
		return "", "", err
	}
	role, err := parseRole(*roleFlag)
	if err != nil {
		return "", "", err
	}
	return role, *configFlag, nil
}

// loadRoleConfig loads and validates the config for role. The returned
// path is "" when defaults were used. The config is returned even when
// validation fails so callers can still show it.
func loadRoleConfig(role config.Role, explicit string) (string, any, error) {
	path, err := resolveConfigFile(explicit, role)
	if err != nil {
		return "", nil, err
	}

	switch role {
	case config.RoleRendezvous:
		cfg, err := config.LoadRendezvousConfig(path)
		if err != nil {
			return path, nil, err
		}
		return path, cfg, config.ValidateRendezvousConfig(cfg)
	default:
		cfg, err := config.LoadNodeConfig(path)
		if err != nil {
			return path, nil, err
		}
		return path, cfg, config.ValidateNodeConfig(cfg)
	}
}

func describeSource(path string) string {
	if path == "" {
		return "built-in defaults (no config file found)"
	}
	return path
}

func doConfigValidate(args []string, stdout io.Writer) error {
	role, explicit, err := configFlags("config validate", args)
	if err != nil {
		return err
	}
	path, _, err := loadRoleConfig(role, explicit)
	if err != nil {
		fmt.Fprintf(stdout, "FAIL: %s\n", err)
		return err
	}
	fmt.Fprintf(stdout, "OK: %s config from %s is valid\n", role, describeSource(path))
	return nil
}

func doConfigShow(args []string, stdout io.Writer) error {
	role, explicit, err := configFlags("config show", args)
	if err != nil {
		return err
	}
	path, cfg, err := loadRoleConfig(role, explicit)
	if cfg == nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err != nil {
		fmt.Fprintf(stdout, "# WARNING: config has validation errors: %v\n\n", err)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Fprintf(stdout, "# Resolved %s config from %s\n", role, describeSource(path))
	fmt.Fprint(stdout, string(out))

	if path == "" {
		return nil
	}
	if _, err := os.Stat(config.LastGoodPath(path)); err == nil {
		fmt.Fprintf(stdout, "\n# Last-known-good copy: %s\n", config.LastGoodPath(path))
	} else {
		fmt.Fprintf(stdout, "\n# No last-known-good copy (saved on the next successful start)\n")
	}
	return nil
}

func doConfigRollback(args []string, stdout io.Writer) error {
	role, explicit, err := configFlags("config rollback", args)
	if err != nil {
		return err
	}
	path, err := config.FindConfigFile(explicit, role)
	if err != nil {
		return err
	}
	if err := config.RestoreLastGood(path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Restored %s from %s\n", path, config.LastGoodPath(path))
	fmt.Fprintf(stdout, "You can now restart torusmesh %s.\n", role)
	return nil
}

func printConfigUsage() {
	fmt.Println("Usage: torusmesh config <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  validate [--role node|rendezvous] [--config path]   Validate config without starting")
	fmt.Println("  show     [--role node|rendezvous] [--config path]   Show resolved config")
	fmt.Println("  rollback [--role node|rendezvous] [--config path]   Restore last-known-good config")
}
