package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/repository/postgres"
)

func newApplyCommand() *cli.Command {
	return &cli.Command{
		Name:      "apply",
		Usage:     "Validate and store automation definitions",
		ArgsUsage: "FILE",
		Flags:     []cli.Flag{databaseFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			path := command.Args().First()
			if path == "" {
				return fmt.Errorf("apply: a file is required")
			}
			defs, err := loadDefinitions(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			// All-or-nothing: nothing is written unless every definition compiles.
			for _, a := range defs {
				if _, err := automation.Compile(a); err != nil {
					return fmt.Errorf("%s: %w", a.ID, err)
				}
			}

			db, err := openDB(ctx, command.String("database-url"))
			if err != nil {
				return err
			}
			defer db.Close()

			repo := postgres.NewDefinitionRepo(db)
			for _, a := range defs {
				if err := repo.Save(ctx, a); err != nil {
					return err
				}
				fmt.Fprintf(command.Root().Writer, "saved %s (%s)\n", a.ID, a.Status)
			}
			return nil
		},
	}
}
