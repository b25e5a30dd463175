package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"keg/buildmgr"
	"keg/clock"
	"keg/key"
	"keg/objectstore"
	"keg/repo"
)

func main() {
	app := &cli.App{
		Name:  "keg",
		Usage: "mirror and inspect an NGDP-style content-addressed repository",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "root",
				Value: ".",
				Usage: "repository root directory",
			},
		},
		Commands: []*cli.Command{
			initCommand,
			remoteCommand,
			inspectCommand,
			installCommand,
			fsckCommand,
			fetchCommand,
			fetchAllCommand,
			forceFetchCommand,
			fetchObjectCommand,
			archiveCommand,
			parseEncodingCommand,
			logCommand,
			showCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "create (or reuse) a repository at --root",
	Action: func(c *cli.Context) error {
		r, reinitialized, err := repo.Init(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()
		if reinitialized {
			fmt.Println("Reinitialized existing repository")
		} else {
			fmt.Println("Initialized new repository")
		}
		return nil
	},
}

var remoteCommand = &cli.Command{
	Name:  "remote",
	Usage: "manage patch-server remotes",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			Usage:     "add a remote",
			ArgsUsage: "<name> <prefix>",
			Flags: []cli.Flag{
				&cli.BoolFlag{Name: "writeable"},
				&cli.BoolFlag{Name: "default-fetch", Value: true},
			},
			Action: func(c *cli.Context) error {
				if c.Args().Len() != 2 {
					return fmt.Errorf("usage: remote add <name> <prefix>")
				}
				r, err := repo.Open(c.String("root"), clock.Real{})
				if err != nil {
					return err
				}
				defer r.Close()
				return r.AddRemote(c.Context, c.Args().Get(0), c.Args().Get(1), c.Bool("writeable"), c.Bool("default-fetch"))
			},
		},
		{
			Name:      "rm",
			Usage:     "remove a remote",
			ArgsUsage: "<name>",
			Action: func(c *cli.Context) error {
				if c.Args().Len() != 1 {
					return fmt.Errorf("usage: remote rm <name>")
				}
				r, err := repo.Open(c.String("root"), clock.Real{})
				if err != nil {
					return err
				}
				defer r.Close()
				return r.RemoveRemote(c.Context, c.Args().First())
			},
		},
		{
			Name:  "list",
			Usage: "list configured remotes",
			Action: func(c *cli.Context) error {
				r, err := repo.Open(c.String("root"), clock.Real{})
				if err != nil {
					return err
				}
				defer r.Close()
				remotes, err := r.ListRemotes(c.Context)
				if err != nil {
					return err
				}
				for _, rem := range remotes {
					fmt.Printf("%s\t%s\twriteable=%v\tdefault-fetch=%v\n", rem.Name, rem.Prefix, rem.Writeable, rem.DefaultFetch)
				}
				return nil
			},
		},
	},
}

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "list cached versions for a remote",
	ArgsUsage: "<remote>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return fmt.Errorf("usage: inspect <remote>")
		}
		r, err := repo.Open(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()
		versions, err := r.Cache.Versions(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		for _, v := range versions {
			fmt.Printf("%s\t%s\tbuild=%s\tbuild_config=%s\tcdn_config=%s\n", v.Region, v.BuildName, v.BuildID, v.BuildConfig, v.CDNConfig)
		}
		return nil
	},
}

var installCommand = &cli.Command{
	Name:      "install",
	Usage:     "materialize the tag-filtered install tree for a build into a directory",
	ArgsUsage: "<build-config-hex> <cdn-config-hex>",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{Name: "tag"},
		&cli.StringFlag{Name: "out", Value: ".", Usage: "directory entries are written under"},
		&cli.BoolFlag{Name: "dry-run"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return fmt.Errorf("usage: install <build-config-hex> <cdn-config-hex> --tag NAME... [--out DIR]")
		}
		r, err := repo.Open(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()

		buildKey, err := key.Parse(c.Args().Get(0))
		if err != nil {
			return err
		}
		cdnKey, err := key.Parse(c.Args().Get(1))
		if err != nil {
			return err
		}

		// buildmgr resolves the install manifest's ekey from the build
		// config and BLTE-decodes it before handing back parsed entries —
		// the same GetData -> decode chain GetFile uses to resolve content.
		mgr := buildmgr.Open(buildKey, cdnKey, r.Local, r.Keys.Lookup)
		in, err := mgr.Install(c.Context)
		if err != nil {
			return err
		}

		outDir := c.String("out")
		for _, e := range in.FilterEntries(c.StringSlice("tag")) {
			if c.Bool("dry-run") {
				fmt.Printf("would install: %s\n", e.Path)
				continue
			}
			data, err := mgr.GetFile(c.Context, e.CKey)
			if err != nil {
				return fmt.Errorf("install: %s: %w", e.Path, err)
			}
			dst := filepath.Join(outDir, filepath.FromSlash(e.Path))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(dst, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("%s\t%s\t%d\n", e.Path, e.CKey, e.Size)
		}
		return nil
	},
}

var fsckCommand = &cli.Command{
	Name:  "fsck",
	Usage: "verify local object store integrity",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "delete", Usage: "remove objects that fail verification"},
	},
	Action: func(c *cli.Context) error {
		r, err := repo.Open(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()

		del := c.Bool("delete")
		var checked, bad int

		check := func(e objectstore.WalkEntry) error {
			checked++
			if err := r.Local.Verify(e); err != nil {
				bad++
				fmt.Printf("BAD\t%s\t%s\n", e.Kind, e.Key)
				if del {
					if e.Fragment {
						return r.Local.UnlinkFragment(e.Key)
					}
					return r.Local.Unlink(e.Kind, e.Key, e.Suffix)
				}
			}
			return nil
		}

		for _, kind := range []objectstore.Kind{objectstore.KindConfig, objectstore.KindData, objectstore.KindPatch} {
			if err := r.Local.Walk(kind, check); err != nil {
				return err
			}
		}
		if err := r.Local.WalkFragments(check); err != nil {
			return err
		}
		if del && bad > 0 {
			if err := r.Local.InvalidateExistence(c.Context); err != nil {
				return err
			}
		}

		fmt.Printf("fsck: checked %d objects, %d bad\n", checked, bad)
		if bad > 0 {
			os.Exit(1)
		}
		return nil
	},
}
