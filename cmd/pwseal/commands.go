package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/kenneth/pwseal/internal/crypto"
	atomic_file "github.com/natefinch/atomic"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// decryptedFallbackName is used when a container stores no usable filename.
const decryptedFallbackName = "decrypted"

func (r *runner) engine(c *cli.Context) (*crypto.Engine, error) {
	n := c.GlobalInt("iterations")
	if n <= 0 {
		return nil, crypto.ErrInvalidIterations
	}
	return crypto.NewEngine(crypto.WithIterations(n)), nil
}

// input returns the first argument, or stdin with one trailing newline removed.
func (r *runner) input(c *cli.Context) (string, error) {
	if c.NArg() > 0 {
		return c.Args().First(), nil
	}
	data, err := io.ReadAll(r.stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	s := strings.TrimSuffix(string(data), "\n")
	return strings.TrimSuffix(s, "\r"), nil
}

func (r *runner) encryptText(c *cli.Context) error {
	engine, err := r.engine(c)
	if err != nil {
		return err
	}
	text, err := r.input(c)
	if err != nil {
		return err
	}
	pw, err := r.password(c, true)
	if err != nil {
		return err
	}

	container, err := engine.EncryptText(pw, text)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(r.stdout, container)
	return err
}

func (r *runner) decryptText(c *cli.Context) error {
	engine, err := r.engine(c)
	if err != nil {
		return err
	}
	encoded, err := r.input(c)
	if err != nil {
		return err
	}
	pw, err := r.password(c, false)
	if err != nil {
		return err
	}

	text, err := engine.DecryptText(pw, encoded)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(r.stdout, text)
	return err
}

func (r *runner) encryptFile(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("encrypt-file needs exactly one FILE argument")
	}
	path := c.Args().First()

	engine, err := r.engine(c)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	pw, err := r.password(c, true)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	file := &crypto.File{
		ContentType: detectContentType(name, content),
		Name:        name,
		Content:     content,
	}
	data, err := engine.EncryptFile(pw, file)
	if err != nil {
		return err
	}

	out := c.String("out")
	if c.Bool("keep-name") && !c.IsSet("out") {
		out = name + ".part"
	}
	if err := atomic_file.WriteFile(out, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	r.logger.WithFields(logrus.Fields{
		"input":        name,
		"content_type": file.ContentType,
		"size":         humanize.IBytes(uint64(len(content))),
		"container":    humanize.IBytes(uint64(len(data))),
	}).Infof("Encrypted to %s", out)
	return nil
}

func (r *runner) decryptFile(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("decrypt-file needs exactly one FILE argument")
	}

	engine, err := r.engine(c)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	pw, err := r.password(c, false)
	if err != nil {
		return err
	}

	file, err := engine.DecryptFile(pw, data)
	if err != nil {
		return err
	}

	out := c.String("out")
	if out == "" {
		out = storedName(file.Name)
	}
	if err := atomic_file.WriteFile(out, bytes.NewReader(file.Content)); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	r.logger.WithFields(logrus.Fields{
		"content_type": file.ContentType,
		"size":         humanize.IBytes(uint64(len(file.Content))),
	}).Infof("Decrypted to %s", out)
	return nil
}

// storedName reduces the name kept in a container to a base name in the
// current directory.
func storedName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return decryptedFallbackName
	}
	return name
}

func detectContentType(name string, content []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(content)
}
