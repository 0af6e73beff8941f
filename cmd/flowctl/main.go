package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/ignite/flow-engine/internal/pkg/logger"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "flowctl",
		Usage:                 "Operate the automation flow engine",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			logger.SetLevel(logger.ParseLevel(command.String("log-level")))
			return ctx, nil
		},
		Commands: []*cli.Command{
			newMigrateCommand(),
			newValidateCommand(),
			newApplyCommand(),
			newEmitCommand(),
		},
	}
}

func databaseFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "database-url",
		Usage:    "PostgreSQL connection URL",
		Required: true,
		Sources:  cli.EnvVars("DATABASE_URL"),
	}
}
