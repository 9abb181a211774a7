// Command blizzard runs the plugin-driven HTTP server.
//
//	blizzard -c blizzard.yaml
//	blizzard --init-config blizzard.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/searchktools/blizzard/app"
	"github.com/searchktools/blizzard/config"
	"github.com/searchktools/blizzard/core/plugin"

	_ "github.com/searchktools/blizzard/plugins/example"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "blizzard:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("blizzard", pflag.ContinueOnError)
	var (
		path     = fs.StringP("config", "c", "", "configuration file (YAML)")
		initPath = fs.String("init-config", "", "write a default configuration to `file` and exit")
		force    = fs.Bool("force", false, "overwrite an existing file with --init-config")
		level    = fs.String("log-level", "", "override logging.level")
		version  = fs.BoolP("version", "v", false, "print the version and exit")
		plugins  = fs.Bool("list-plugins", false, "list compiled-in plugins and exit")
	)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	switch {
	case *version:
		fmt.Println("blizzard", plugin.Version)
		return nil
	case *plugins:
		fmt.Println(strings.Join(plugin.Names(), "\n"))
		return nil
	case *initPath != "":
		if err := config.WriteDefault(*initPath, *force); err != nil {
			return err
		}
		fmt.Println("wrote", *initPath)
		return nil
	}

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}
	if *level != "" {
		cfg.Logging.Level = strings.ToUpper(*level)
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	return a.Run(context.Background())
}
