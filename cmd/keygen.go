package cmd

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/codealign/internal/envelope"
)

// KeygenCommand returns the CLI command for generating the envelope keypair.
func KeygenCommand() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate the RSA keypair used to unwrap credential envelopes",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "private",
				Usage: "Private key output path",
				Value: "private_key.pem",
			},
			&cli.StringFlag{
				Name:  "public",
				Usage: "Public key output path",
				Value: "public_key.pem",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite existing key files",
			},
		},
		Action: runKeygen,
	}
}

func runKeygen(c *cli.Context) error {
	privatePath := c.String("private")
	publicPath := c.String("public")

	if !c.Bool("force") {
		if _, err := os.Stat(privatePath); err == nil {
			return fmt.Errorf("%s already exists, use --force to overwrite", privatePath)
		}
	}

	keys, err := envelope.Generate()
	if err != nil {
		return err
	}
	if err := keys.WriteFiles(privatePath, publicPath); err != nil {
		return err
	}

	fmt.Printf("Wrote %s and %s\n", privatePath, publicPath)
	return nil
}
