package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/platinummonkey/tenantauth/pkg/keys"
	"github.com/platinummonkey/tenantauth/pkg/storage"
	"github.com/sirupsen/logrus"
)

// keyStore is a key location that can be read and written
type keyStore interface {
	keys.Source
	keys.Sink
}

// Command is one subcommand of the key tool
type Command struct {
	Name        string
	Description string
	Flags       *flag.FlagSet
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command

	out io.Writer
}

// Execute dispatches args to the matching subcommand
func (c *Command) Execute(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		return c.usage()
	}
	sub, ok := c.Subcommands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command: %s", args[0])
	}
	return sub.Run(ctx, args[1:])
}

func (c *Command) usage() error {
	fmt.Fprintf(c.out, "Usage: %s <command> [flags]\n\nCommands:\n", c.Name)
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(c.out, "  %-12s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

func newRootCommand(out io.Writer) *Command {
	root := &Command{
		Name:        "tenantauth-keys",
		Description: "Manage tenantauth signing keys",
		Subcommands: make(map[string]*Command),
		out:         out,
	}
	for _, cmd := range []*Command{
		newGenerateCommand(out),
		newUploadCommand(out),
		newSetCurrentCommand(out),
		newListCommand(out),
	} {
		root.Subcommands[cmd.Name] = cmd
	}
	return root
}

// targetFlags selects the key store a subcommand operates on
type targetFlags struct {
	dir          string
	bucket       string
	prefix       string
	region       string
	endpoint     string
	pathStyle    bool
	logLevel     string
	openS3Client func(ctx context.Context, cfg storage.S3Config) (keys.S3API, error)
}

func addTargetFlags(fs *flag.FlagSet) *targetFlags {
	t := &targetFlags{
		openS3Client: func(ctx context.Context, cfg storage.S3Config) (keys.S3API, error) {
			return storage.NewS3Client(ctx, cfg)
		},
	}
	fs.StringVar(&t.dir, "dir", os.Getenv("TENANTAUTH_KEYS_DIR"), "Key directory")
	fs.StringVar(&t.bucket, "s3-bucket", os.Getenv("TENANTAUTH_KEYS_S3_BUCKET"), "S3 bucket holding the keys")
	fs.StringVar(&t.prefix, "s3-prefix", os.Getenv("TENANTAUTH_KEYS_S3_PREFIX"), "Key prefix inside the bucket")
	fs.StringVar(&t.region, "s3-region", os.Getenv("TENANTAUTH_KEYS_S3_REGION"), "S3 region")
	fs.StringVar(&t.endpoint, "s3-endpoint", os.Getenv("TENANTAUTH_KEYS_S3_ENDPOINT"), "Custom S3 endpoint")
	fs.BoolVar(&t.pathStyle, "s3-path-style", false, "Use path-style S3 addressing")
	fs.StringVar(&t.logLevel, "log-level", "info", "Log level")
	return t
}

func (t *targetFlags) open(ctx context.Context) (keyStore, error) {
	switch {
	case t.dir != "" && t.bucket != "":
		return nil, errors.New("use exactly one of -dir or -s3-bucket")
	case t.dir != "":
		return keys.NewDirSource(t.dir), nil
	case t.bucket != "":
		client, err := t.openS3Client(ctx, storage.S3Config{
			Region:       t.region,
			Endpoint:     t.endpoint,
			AccessKey:    os.Getenv("TENANTAUTH_KEYS_S3_ACCESS_KEY"),
			SecretKey:    os.Getenv("TENANTAUTH_KEYS_S3_SECRET_KEY"),
			UsePathStyle: t.pathStyle,
		})
		if err != nil {
			return nil, err
		}
		return keys.NewS3Source(client, t.bucket, t.prefix), nil
	default:
		return nil, errors.New("a key location is required: -dir or -s3-bucket")
	}
}

func (t *targetFlags) location() string {
	if t.dir != "" {
		return t.dir
	}
	return "s3://" + t.bucket + "/" + t.prefix
}

func newGenerateCommand(out io.Writer) *Command {
	cmd := &Command{
		Name:        "generate",
		Description: "Generate a new RSA key bundle and store it",
		Flags:       flag.NewFlagSet("generate", flag.ContinueOnError),
		out:         out,
	}
	target := addTargetFlags(cmd.Flags)
	kid := cmd.Flags.String("kid", "", "Key id (defaults to a date-based id)")
	bits := cmd.Flags.Int("bits", 2048, "RSA key size")
	validity := cmd.Flags.Duration("validity", 90*24*time.Hour, "Certificate validity; bounds verification")
	makeCurrent := cmd.Flags.Bool("current", false, "Point the current key at the new bundle")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		logger := setupLogger(target.logLevel)
		now := time.Now().UTC()
		if *kid == "" {
			*kid = "key-" + now.Format("20060102-150405")
		}
		if !keys.ValidKeyID(*kid) {
			return fmt.Errorf("invalid key id %q", *kid)
		}
		if *bits < 2048 {
			return fmt.Errorf("key size %d is below 2048 bits", *bits)
		}
		store, err := target.open(ctx)
		if err != nil {
			return err
		}

		bundle, err := keys.GenerateBundle(*kid, *bits, *validity, now)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
		if err := store.PutBundle(ctx, *kid, bundle); err != nil {
			return fmt.Errorf("failed to store key: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"kid":       *kid,
			"location":  target.location(),
			"not_after": now.Add(*validity).Format(time.RFC3339),
		}).Info("Stored new signing key")

		if *makeCurrent {
			if err := store.SetCurrent(ctx, *kid); err != nil {
				return fmt.Errorf("failed to set current key: %w", err)
			}
			logger.WithField("kid", *kid).Info("Current signing key updated")
		}
		fmt.Fprintln(out, *kid)
		return nil
	}
	return cmd
}

func newUploadCommand(out io.Writer) *Command {
	cmd := &Command{
		Name:        "upload",
		Description: "Store an existing PEM bundle under a key id",
		Flags:       flag.NewFlagSet("upload", flag.ContinueOnError),
		out:         out,
	}
	target := addTargetFlags(cmd.Flags)
	kid := cmd.Flags.String("kid", "", "Key id")
	file := cmd.Flags.String("file", "", "PEM bundle to upload")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		logger := setupLogger(target.logLevel)
		if !keys.ValidKeyID(*kid) {
			return fmt.Errorf("invalid key id %q", *kid)
		}
		if *file == "" {
			return errors.New("-file is required")
		}
		data, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("failed to read bundle: %w", err)
		}
		// Refuse bundles the server could not load.
		key, err := keys.ParseBundle(*kid, data)
		if err != nil {
			return err
		}
		store, err := target.open(ctx)
		if err != nil {
			return err
		}
		if err := store.PutBundle(ctx, *kid, data); err != nil {
			return fmt.Errorf("failed to store key: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"kid":      *kid,
			"location": target.location(),
			"signing":  key.CanSign(),
		}).Info("Uploaded key bundle")
		fmt.Fprintln(out, *kid)
		return nil
	}
	return cmd
}

func newSetCurrentCommand(out io.Writer) *Command {
	cmd := &Command{
		Name:        "set-current",
		Description: "Point the current signing key at an existing bundle",
		Flags:       flag.NewFlagSet("set-current", flag.ContinueOnError),
		out:         out,
	}
	target := addTargetFlags(cmd.Flags)
	kid := cmd.Flags.String("kid", "", "Key id")

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		logger := setupLogger(target.logLevel)
		store, err := target.open(ctx)
		if err != nil {
			return err
		}
		set, err := store.Load(ctx)
		if err != nil {
			return err
		}
		key, ok := set.Keys[*kid]
		if !ok {
			return fmt.Errorf("key %q not found in %s", *kid, target.location())
		}
		if !key.CanSign() {
			return fmt.Errorf("key %q has no private key and cannot sign", *kid)
		}
		if !key.ValidAt(time.Now()) {
			return fmt.Errorf("key %q expired at %s", *kid, key.NotAfter.Format(time.RFC3339))
		}
		if err := store.SetCurrent(ctx, *kid); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"kid":      *kid,
			"previous": set.CurrentID,
		}).Info("Current signing key updated")
		return nil
	}
	return cmd
}

func newListCommand(out io.Writer) *Command {
	cmd := &Command{
		Name:        "list",
		Description: "List stored keys",
		Flags:       flag.NewFlagSet("list", flag.ContinueOnError),
		out:         out,
	}
	target := addTargetFlags(cmd.Flags)

	cmd.Run = func(ctx context.Context, args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		store, err := target.open(ctx)
		if err != nil {
			return err
		}
		set, err := store.Load(ctx)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(set.Keys))
		for id := range set.Keys {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			key := set.Keys[id]
			marker := " "
			if id == set.CurrentID {
				marker = "*"
			}
			notAfter := "-"
			if !key.NotAfter.IsZero() {
				notAfter = key.NotAfter.UTC().Format(time.RFC3339)
			}
			mode := "verify"
			if key.CanSign() {
				mode = "sign"
			}
			fmt.Fprintf(out, "%s %-32s %-6s %s\n", marker, id, mode, notAfter)
		}
		return nil
	}
	return cmd
}
