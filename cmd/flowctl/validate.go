package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/ignite/flow-engine/internal/automation"
	"github.com/ignite/flow-engine/internal/domain"
)

var errInvalidFiles = errors.New("one or more definitions are invalid")

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Compile automation definitions from YAML or JSON files",
		ArgsUsage: "FILE...",
		Action: func(ctx context.Context, command *cli.Command) error {
			files := command.Args().Slice()
			if len(files) == 0 {
				return fmt.Errorf("validate: at least one file is required")
			}

			out := command.Root().Writer
			invalid := 0
			for _, path := range files {
				defs, err := loadDefinitions(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					invalid++
					continue
				}
				for _, a := range defs {
					plan, err := automation.Compile(a)
					if err != nil {
						fmt.Fprintf(out, "%s: %s: INVALID: %v\n", path, a.ID, err)
						invalid++
						continue
					}
					fmt.Fprintf(out, "%s: %s: ok (%s, %d steps)\n", path, a.ID, a.TriggerType, plan.Len())
				}
			}
			if invalid > 0 {
				return errInvalidFiles
			}
			return nil
		},
	}
}

// loadDefinitions reads one automation or a list of them. JSON is accepted
// as a subset of YAML.
func loadDefinitions(path string) ([]*domain.Automation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty file")
	}

	var list []*domain.Automation
	if err := yaml.Unmarshal(data, &list); err == nil {
		if len(list) == 0 {
			return nil, fmt.Errorf("no automations")
		}
		return list, nil
	}

	var single domain.Automation
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return []*domain.Automation{&single}, nil
}
