package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	cli "github.com/urfave/cli/v3"

	"github.com/ignite/flow-engine/internal/repository/postgres"
)

func newMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations",
		Flags: []cli.Flag{databaseFlag()},
		Action: func(ctx context.Context, command *cli.Command) error {
			db, err := openDB(ctx, command.String("database-url"))
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := postgres.Migrate(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(command.Root().Writer, "applied %d migrations\n", n)
			return nil
		},
	}
}

func openDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}
