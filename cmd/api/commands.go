package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"inkwell/api/internal/app"
	"inkwell/api/internal/authpw"
	"inkwell/api/internal/challenge"
	"inkwell/api/internal/legacy"
	"inkwell/api/internal/search"
)

func migrateLegacyCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate-legacy",
		Usage: "Copy flat legacy messages into the comments table",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Run even if the migration was already recorded",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			conn, dataStore, err := openDatabase(c.Context, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			opts := app.Options{Legacy: legacy.NewMigrator(dataStore, cfg.LegacyPageID)}
			if strings.TrimSpace(cfg.MeiliURL) != "" {
				meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
				defer meili.Close()
				opts.Search = search.NewService(meili, search.NewPgFTS(conn))
			}
			result, err := app.NewService(cfg, dataStore, opts).MigrateLegacy(c.Context, c.Bool("force"))
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func provisionPageCommand() *cli.Command {
	return &cli.Command{
		Name:  "provision-page",
		Usage: "Create or replace a password-protected page",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "page-id", Required: true, Usage: "Page `ID`"},
			&cli.StringFlag{Name: "name", Usage: "Display `NAME` (defaults to the page id)"},
			&cli.StringFlag{Name: "password", Required: true, Usage: "Page `PASSWORD`"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			conn, dataStore, err := openDatabase(c.Context, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			authService := authpw.NewService(dataStore, challenge.NewMemoryStore(), cfg.JWTSecret, authpw.Options{})
			page, err := authService.ProvisionPage(c.Context, c.String("page-id"), c.String("name"), c.String("password"))
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"pageId": page.PageID, "pageName": page.PageName})
		},
	}
}

func reconcileCountersCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile-counters",
		Usage: "Recompute reply counters from parent links",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			conn, dataStore, err := openDatabase(c.Context, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()

			fixed, err := dataStore.ReconcileCounters(c.Context)
			if err != nil {
				return err
			}
			return printJSON(map[string]int64{"fixed": fixed})
		},
	}
}

func hashAdminPasswordCommand() *cli.Command {
	return &cli.Command{
		Name:      "hash-admin-password",
		Usage:     "Print a bcrypt hash for admin_password_hash",
		ArgsUsage: "PASSWORD",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one PASSWORD argument", 2)
			}
			hash, err := authpw.HashAdminPassword(c.Args().First())
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
