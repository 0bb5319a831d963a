package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kenneth/pwseal/internal/crypto"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

var version = "dev"

// passwordEnv names the environment variable consulted before prompting.
const passwordEnv = "PWSEAL_PASSWORD"

func main() {
	app := newApp(newRunner(os.Stdin, os.Stdout, os.Stderr))
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "pwseal: %v\n", err)
		os.Exit(1)
	}
}

// runner carries the streams and logger shared by all commands.
type runner struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	logger *logrus.Logger

	// prompt reads a password interactively; replaced in tests.
	prompt func(confirm bool) (string, error)
}

func newRunner(stdin io.Reader, stdout, stderr io.Writer) *runner {
	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	return &runner{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		logger: logger,
		prompt: promptPassword,
	}
}

func newApp(r *runner) *cli.App {
	app := cli.NewApp()
	app.Name = "pwseal"
	app.Usage = "Seal text and files with a password (PBKDF2-SHA256 + AES-256-GCM)"
	app.Version = version
	app.Writer = r.stdout
	app.ErrWriter = r.stderr
	app.Flags = getFlags()
	app.Before = func(c *cli.Context) error {
		level, err := logrus.ParseLevel(c.String("level"))
		if err != nil {
			return err
		}
		r.logger.SetLevel(level)
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:      "encrypt-text",
			Usage:     "encrypt TEXT (or stdin) and print the base64 container",
			ArgsUsage: "[TEXT]",
			Action:    r.encryptText,
		},
		{
			Name:      "decrypt-text",
			Usage:     "decrypt a base64 CONTAINER (or stdin) and print the text",
			ArgsUsage: "[CONTAINER]",
			Action:    r.decryptText,
		},
		{
			Name:      "encrypt-file",
			Usage:     "encrypt FILE together with its name and content type",
			ArgsUsage: "FILE",
			Action:    r.encryptFile,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "out, o",
					Usage: "write the container to `FILE`",
					Value: "a.part",
				},
				cli.BoolFlag{
					Name:  "keep-name, k",
					Usage: "name the container after the input file plus .part",
				},
			},
		},
		{
			Name:      "decrypt-file",
			Usage:     "decrypt a container FILE and restore the stored file",
			ArgsUsage: "FILE",
			Action:    r.decryptFile,
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "out, o",
					Usage: "write the file to `FILE` instead of its stored name",
				},
			},
		},
	}
	return app
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "password-file, p",
			Usage: "read the password from `FILE` (first line)",
		},
		cli.IntFlag{
			Name:  "iterations, i",
			Usage: "PBKDF2 iteration count; must match on decrypt",
			Value: crypto.DefaultIterations,
		},
		cli.StringFlag{
			Name:  "level, l",
			Usage: "logging level [debug|info|warn|error]",
			Value: "info",
		},
	}
}
