package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/posterrama/devicehub/internal/auth"
	"github.com/posterrama/devicehub/internal/device"
	"github.com/posterrama/devicehub/internal/infrastructure/config"
)

const generatedSecretBytes = 24

// readSecret takes the first line of r, so secrets never appear in argv.
func readSecret(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	return secret, nil
}

func runHashSecret(stdin io.Reader, stdout io.Writer) error {
	secret, err := readSecret(stdin)
	if err != nil {
		return err
	}
	hash, err := device.HashSecret(secret)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, hash)
	return nil
}

func runIssueToken(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	fs.SetOutput(stdout)
	role := fs.String("role", string(auth.RoleOperator), "role: viewer, operator or admin")
	ttl := fs.Duration("ttl", 0, "token lifetime (default security.jwt.access_token_ttl minutes)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: devicehub issue-token [-role r] [-ttl d] <subject>")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	lifetime := *ttl
	if lifetime <= 0 {
		lifetime = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}

	token, err := auth.GenerateOperatorToken(fs.Arg(0), auth.Role(*role), cfg.Security.JWT.Secret, lifetime)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, token)
	return nil
}

// runAddDevice registers a device. Without -secret-stdin a random secret is
// generated and printed once; only its hash is stored.
func runAddDevice(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("add-device", flag.ContinueOnError)
	fs.SetOutput(stdout)
	name := fs.String("name", "", "display name (required)")
	location := fs.String("location", "", "free-form location")
	fromStdin := fs.Bool("secret-stdin", false, "read the device secret from stdin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: devicehub add-device -name n [-location l] [-secret-stdin] <device-id>")
	}

	var secret string
	var err error
	if *fromStdin {
		secret, err = readSecret(stdin)
	} else {
		secret, err = generateSecret()
	}
	if err != nil {
		return err
	}
	hash, err := device.HashSecret(secret)
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-mostly CLI path

	store := device.NewSQLiteStore(db.DB)
	d := &device.Device{ID: fs.Arg(0), Name: *name, Location: *location}
	if err := store.CreateDevice(ctx, d); err != nil {
		return err
	}
	if err := store.SetSecret(ctx, d.ID, hash); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "device %s registered\n", d.ID)
	if !*fromStdin {
		fmt.Fprintf(stdout, "secret: %s\n", secret)
	}
	return nil
}

// runSetGroup creates the group, or replaces its members if it exists.
func runSetGroup(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("set-group", flag.ContinueOnError)
	fs.SetOutput(stdout)
	name := fs.String("name", "", "display name (required when creating)")
	description := fs.String("description", "", "description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: devicehub set-group [-name n] <group-id> [device-id...]")
	}
	groupID, members := fs.Arg(0), fs.Args()[1:]

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-mostly CLI path

	store := device.NewSQLiteStore(db.DB)

	_, err = store.GetGroup(ctx, groupID)
	switch {
	case errors.Is(err, device.ErrGroupNotFound):
		g := &device.DeviceGroup{ID: groupID, Name: *name, Description: *description, Members: members}
		if err := store.CreateGroup(ctx, g); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "group %s created with %d members\n", groupID, len(g.Members))
	case err != nil:
		return err
	default:
		if err := store.SetGroupMembers(ctx, groupID, members); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "group %s now has %d members\n", groupID, len(members))
	}
	return nil
}

func generateSecret() (string, error) {
	b := make([]byte, generatedSecretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
