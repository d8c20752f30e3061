// Command zerg mutates the entry code section of a Windows PE image into
// a semantically-equivalent, byte-different form and patches every
// dependent pointer in the surrounding image.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	mut "github.com/DarthTon/Polychaos"
)

func ruleSetFor(name string) (mut.RuleSet, error) {
	switch name {
	case "", "baseline":
		return mut.BaselineRuleSet{}, nil
	case "identity":
		return mut.IdentityRuleSet{}, nil
	default:
		return nil, fmt.Errorf("unknown rule set %q", name)
	}
}

func run(c *cli.Context) error {
	args := c.Args()
	if args.Len() < 1 {
		return cli.Exit("Usage: zerg <input_path> [output_path]", 2)
	}

	inputPath := args.Get(0)
	outputPath := args.Get(1)

	rules, err := ruleSetFor(c.String("rules"))
	if err != nil {
		return cli.Exit(err, 1)
	}

	log := mut.NewLogger(os.Stderr, mut.ParseLevel(c.String("log-level")))
	engine := mut.NewEngine(rules, log)

	out, err := mut.MutateFile(inputPath, outputPath, engine, c.Bool("strict-relocations"), log)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	fmt.Printf("Successfully mutated. Result saved in '%s'\n", out)
	return nil
}

func main() {
	cli.ErrWriter = os.Stdout

	app := &cli.App{
		Name:      "zerg",
		Usage:     "polymorphic code mutator for x86 PE images",
		ArgsUsage: "<input_path> [output_path]",
		Action:    run,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "rules",
				Value: "baseline",
				Usage: "mutation rule set: identity|baseline",
			},
			&cli.BoolFlag{
				Name:  "strict-relocations",
				Usage: "fail instead of silently dropping unmapped relocation entries",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "trace|debug|info|warn|error",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
