package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/edna-db/edna/edna"
	"github.com/edna-db/edna/edna/disguise"
	"github.com/edna-db/edna/edna/records"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "edna"
	app.Usage = "Reversible, privacy-preserving disguises for application databases"
	app.Version = edna.Version
	app.Flags = getFlags()
	app.Commands = []cli.Command{
		{
			Name:   "register",
			Usage:  "register a principal and write its key",
			Flags:  registerFlags(),
			Action: register,
		},
		{
			Name:   "apply",
			Usage:  "apply a disguise and print its id",
			Flags:  append(capabilityFlags(), cli.StringFlag{Name: "disguise, d", Usage: "load the disguise from `FILE`"}),
			Action: apply,
		},
		{
			Name:  "reveal",
			Usage: "reveal a disguise",
			Flags: append(capabilityFlags(),
				cli.StringFlag{Name: "did", Usage: "disguise id"},
				cli.StringFlag{Name: "pseudoprincipals, pp", Usage: "pseudoprincipal policy [restore|delete|retain]", Value: "restore"},
				cli.BoolFlag{Name: "partial", Usage: "skip columns changed since the disguise"},
			),
			Action: reveal,
		},
		{
			Name:   "pseudoprincipals",
			Usage:  "list the pseudoprincipals of a principal",
			Flags:  capabilityFlags(),
			Action: pseudoprincipals,
		},
		{
			Name:   "overhead",
			Usage:  "print the storage used by disguise records",
			Action: overhead,
		},
	}
	return app
}

func getFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load configuration from `FILE`",
		},
		cli.StringFlag{
			Name:  "schema, s",
			Usage: "load table metadata from `FILE`",
			Value: "schema.yaml",
		},
		cli.StringFlag{
			Name:  "driver",
			Usage: "database/sql driver [sqlite|pgx]",
		},
		cli.StringFlag{
			Name:  "dsn",
			Usage: "data source name of the application database",
		},
		cli.StringFlag{
			Name:  "level, l",
			Usage: "logging level [debug|info|warn|error]",
		},
		cli.BoolFlag{
			Name:  "dry-run",
			Usage: "register principals without keys and keep records in the clear",
		},
	}
}

func registerFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "uid, u", Usage: "principal id"},
		cli.StringFlag{Name: "password", Usage: "split the key between `PASSWORD`, the server and a portable share"},
		cli.StringFlag{Name: "out, o", Usage: "write the key or portable share to `FILE`"},
	}
}

func capabilityFlags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{Name: "uid, u", Usage: "principal id"},
		cli.StringFlag{Name: "key, k", Usage: "read the principal key from `FILE`"},
		cli.StringFlag{Name: "password", Usage: "recover the key with `PASSWORD`"},
		cli.StringFlag{Name: "share", Usage: "recover the key with the portable share in `FILE`"},
	}
}

// session opens the application database and an Edna session from the
// global flags. The caller closes both.
func session(c *cli.Context) (*edna.Edna, *sql.DB, error) {
	config, err := edna.NewConfig(c.GlobalString("config"))
	if err != nil {
		return nil, nil, err
	}
	if d := c.GlobalString("driver"); d != "" {
		config.DBDriver = d
	}
	if dsn := c.GlobalString("dsn"); dsn != "" {
		config.DBDSN = dsn
	}
	if l := c.GlobalString("level"); l != "" {
		level, err := edna.GetLogLevel(l)
		if err != nil {
			return nil, nil, err
		}
		config.LogLevel = level
	}
	if c.GlobalBool("dry-run") {
		config.Records.DryRun = true
	}
	if config.DBDSN == "" {
		return nil, nil, errors.New("no database configured, set db.dsn or --dsn")
	}

	schema, err := disguise.LoadSchema(c.GlobalString("schema"))
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(config.DBDriver, config.DBDSN)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to open database")
	}
	e, err := edna.New(config, schema, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return e, db, nil
}

func register(c *cli.Context) error {
	uid := c.String("uid")
	if uid == "" {
		return errors.New("--uid is required")
	}
	e, db, err := session(c)
	if err != nil {
		return err
	}
	defer db.Close()
	defer e.Close()
	ctx := context.Background()

	var secret string
	if pw := c.String("password"); pw != "" {
		share, err := e.RegisterPrincipalSecretSharing(ctx, uid, pw)
		if err != nil {
			return err
		}
		secret = share.String()
	} else {
		priv, err := e.RegisterPrincipal(ctx, uid)
		if err != nil {
			return err
		}
		if priv == nil {
			fmt.Printf("registered %s without keys\n", uid)
			return nil
		}
		secret = encodeKey(priv)
	}
	if out := c.String("out"); out != "" {
		if err := writeSecret(out, secret); err != nil {
			return err
		}
		fmt.Printf("registered %s, key written to %s\n", uid, out)
		return nil
	}
	fmt.Println(secret)
	return nil
}

// capability resolves the principal's capability from a key file, a
// password or a portable share. It returns nil when no principal is named.
func capability(ctx context.Context, c *cli.Context, e *edna.Edna) (*records.Capability, error) {
	uid := c.String("uid")
	if uid == "" {
		return nil, nil
	}
	if path := c.String("key"); path != "" {
		secret, err := readSecret(path)
		if err != nil {
			return nil, err
		}
		priv, err := decodeKey(secret)
		if err != nil {
			return nil, err
		}
		return &records.Capability{UID: uid, PrivKey: priv}, nil
	}
	var portable *records.PortableShare
	if path := c.String("share"); path != "" {
		secret, err := readSecret(path)
		if err != nil {
			return nil, err
		}
		if portable, err = records.ParsePortableShare(secret); err != nil {
			return nil, err
		}
	}
	pw := c.String("password")
	if pw == "" && portable == nil {
		return nil, nil
	}
	cap := e.GetPrivKey(ctx, uid, pw, portable)
	if cap == nil {
		return nil, errors.Errorf("could not recover the key of %s", uid)
	}
	return cap, nil
}

func apply(c *cli.Context) error {
	path := c.String("disguise")
	if path == "" {
		return errors.New("--disguise is required")
	}
	d, err := disguise.LoadDisguise(path, c.String("uid"))
	if err != nil {
		return err
	}
	e, db, err := session(c)
	if err != nil {
		return err
	}
	defer db.Close()
	defer e.Close()
	ctx := context.Background()

	cap, err := capability(ctx, c, e)
	if err != nil {
		return err
	}
	did, err := e.ApplyDisguise(ctx, db, d, cap)
	if err != nil {
		return err
	}
	fmt.Println(did)
	return nil
}

func reveal(c *cli.Context) error {
	did, err := records.ParseDID(c.String("did"))
	if err != nil {
		return err
	}
	ppType, err := edna.ParsePPType(c.String("pseudoprincipals"))
	if err != nil {
		return err
	}
	e, db, err := session(c)
	if err != nil {
		return err
	}
	defer db.Close()
	defer e.Close()
	ctx := context.Background()

	cap, err := capability(ctx, c, e)
	if err != nil {
		return err
	}
	res, err := e.RevealDisguise(ctx, db, did, edna.RevealOptions{
		Cap:                   cap,
		PPType:                ppType,
		AllowPartialRowReveal: c.Bool("partial"),
	})
	if err != nil {
		return err
	}
	fmt.Printf("revealed %d records, %d failed\n", res.Revealed, res.Failed)
	if !res.Success {
		return errors.New("reveal incomplete, records kept for retry")
	}
	return nil
}

func pseudoprincipals(c *cli.Context) error {
	e, db, err := session(c)
	if err != nil {
		return err
	}
	defer db.Close()
	defer e.Close()
	ctx := context.Background()

	cap, err := capability(ctx, c, e)
	if err != nil {
		return err
	}
	if cap == nil {
		return errors.New("a principal and its key are required")
	}
	pps, err := e.GetPseudoprincipals(ctx, *cap)
	if err != nil {
		return err
	}
	for _, pp := range pps {
		fmt.Println(pp)
	}
	return nil
}

func overhead(c *cli.Context) error {
	e, db, err := session(c)
	if err != nil {
		return err
	}
	defer db.Close()
	defer e.Close()

	o, err := e.GetSpaceOverhead(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(o)
	return nil
}

func encodeKey(priv []byte) string {
	return base64.RawURLEncoding.EncodeToString(priv)
}

func decodeKey(s string) ([]byte, error) {
	priv, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, errors.Wrap(err, "malformed key")
	}
	return priv, nil
}

// writeSecret atomically replaces path with secret.
func writeSecret(path, secret string) error {
	if err := atomic.WriteFile(path, bytes.NewBufferString(secret+"\n")); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return os.Chmod(path, 0600)
}

func readSecret(path string) (string, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read %s", path)
	}
	return strings.TrimSpace(string(data)), nil
}
