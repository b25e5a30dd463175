package main

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"keg/archiveindex"
	"keg/blte"
	"keg/clock"
	"keg/encoding"
	"keg/key"
	"keg/objectstore"
	"keg/repo"
)

func readAndDecode(r *repo.Repository, c *cli.Context, ekey key.Key) ([]byte, error) {
	rc, err := r.Local.GetData(c.Context, ekey)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return blte.DecodeAll(raw, ekey, true, r.Keys.Lookup)
}

var parseEncodingCommand = &cli.Command{
	Name:      "parse-encoding",
	Usage:     "parse a locally stored encoding file and print its header",
	ArgsUsage: "<encoding-ekey-hex>",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "content-key", Usage: "look up one content key's primary encoded key"},
	},
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return fmt.Errorf("usage: parse-encoding <encoding-ekey-hex>")
		}
		r, err := repo.Open(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()

		ek, err := key.Parse(c.Args().First())
		if err != nil {
			return err
		}
		decoded, err := readAndDecode(r, c, ek)
		if err != nil {
			return err
		}
		enc, err := encoding.Parse(decoded, true)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d ckey-size=%d ekey-size=%d specs=%d\n", enc.Version, enc.CKeySize, enc.EKeySize, len(enc.Specs))

		if ckeyHex := c.String("content-key"); ckeyHex != "" {
			ck, err := key.Parse(ckeyHex)
			if err != nil {
				return err
			}
			resolved, err := enc.FindByContentKey(ck)
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s\n", ck, resolved)
		}
		return nil
	},
}

var logCommand = &cli.Command{
	Name:      "log",
	Usage:     "print every recorded patch-server response for a remote, newest first",
	ArgsUsage: "<remote>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 1 {
			return fmt.Errorf("usage: log <remote>")
		}
		r, err := repo.Open(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()

		history, err := r.Cache.ResponseHistory(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		for _, h := range history {
			ts := time.Unix(h.Timestamp, 0).UTC().Format(time.RFC3339)
			fmt.Printf("%s\t%s\t%s\t%s\n", ts, h.Remote, h.Endpoint, h.Digest)
		}
		return nil
	},
}

var showCommand = &cli.Command{
	Name:      "show",
	Usage:     "print the cached version pointer for a remote/region",
	ArgsUsage: "<remote> <region>",
	Action: func(c *cli.Context) error {
		if c.Args().Len() != 2 {
			return fmt.Errorf("usage: show <remote> <region>")
		}
		r, err := repo.Open(c.String("root"), clock.Real{})
		if err != nil {
			return err
		}
		defer r.Close()

		versions, err := r.Cache.Versions(c.Context, c.Args().Get(0))
		if err != nil {
			return err
		}
		region := c.Args().Get(1)
		for _, v := range versions {
			if v.Region != region {
				continue
			}
			fmt.Printf("build=%s build-name=%s build-config=%s cdn-config=%s product-config=%s\n",
				v.BuildID, v.BuildName, v.BuildConfig, v.CDNConfig, v.ProductConfig)
			return nil
		}
		return fmt.Errorf("no cached version for %s/%s", c.Args().Get(0), region)
	},
}

var archiveCommand = &cli.Command{
	Name:  "archive",
	Usage: "inspect and build archive indices",
	Subcommands: []*cli.Command{
		{
			Name:      "list",
			Usage:     "list the entries of a locally stored archive index",
			ArgsUsage: "<archive-ekey-hex>",
			Action: func(c *cli.Context) error {
				if c.Args().Len() != 1 {
					return fmt.Errorf("usage: archive list <archive-ekey-hex>")
				}
				r, err := repo.Open(c.String("root"), clock.Real{})
				if err != nil {
					return err
				}
				defer r.Close()

				ek, err := key.Parse(c.Args().First())
				if err != nil {
					return err
				}
				rc, err := r.Local.GetIndex(c.Context, ek)
				if err != nil {
					return err
				}
				defer rc.Close()
				raw, err := io.ReadAll(rc)
				if err != nil {
					return err
				}
				idx, err := archiveindex.Parse(raw)
				if err != nil {
					return err
				}
				for _, e := range idx.Entries {
					fmt.Printf("%s\t%d\t%d\n", e.Key, e.Offset, e.Size)
				}
				return nil
			},
		},
		{
			Name:      "extract",
			Usage:     "extract one entry out of an archive into stdout",
			ArgsUsage: "<archive-ekey-hex> <entry-ekey-hex>",
			Action: func(c *cli.Context) error {
				if c.Args().Len() != 2 {
					return fmt.Errorf("usage: archive extract <archive-ekey-hex> <entry-ekey-hex>")
				}
				r, err := repo.Open(c.String("root"), clock.Real{})
				if err != nil {
					return err
				}
				defer r.Close()

				archiveKey, err := key.Parse(c.Args().Get(0))
				if err != nil {
					return err
				}
				entryKey, err := key.Parse(c.Args().Get(1))
				if err != nil {
					return err
				}
				rc, err := r.Local.GetIndex(c.Context, archiveKey)
				if err != nil {
					return err
				}
				raw, err := io.ReadAll(rc)
				rc.Close()
				if err != nil {
					return err
				}
				idx, err := archiveindex.Parse(raw)
				if err != nil {
					return err
				}
				entry, ok := idx.Lookup(entryKey)
				if !ok {
					return fmt.Errorf("archive extract: %s not found in %s", entryKey, archiveKey)
				}
				rangeRC, err := r.Local.GetArchiveRange(c.Context, archiveKey, entry.Offset, entry.Size)
				if err != nil {
					return err
				}
				defer rangeRC.Close()
				blob, err := io.ReadAll(rangeRC)
				if err != nil {
					return err
				}
				decoded, err := blte.DecodeAll(blob, entryKey, true, r.Keys.Lookup)
				if err != nil {
					return err
				}
				_, err = c.App.Writer.Write(decoded)
				return err
			},
		},
		{
			Name:  "create",
			Usage: "build an archive index from a sorted list of entries and store it locally",
			Flags: []cli.Flag{
				&cli.StringSliceFlag{Name: "entry", Usage: "key:size:offset triples, repeatable, sorted ascending by key"},
			},
			Action: func(c *cli.Context) error {
				if len(c.StringSlice("entry")) == 0 {
					return fmt.Errorf("usage: archive create --entry key:size:offset ...")
				}
				var entries []archiveindex.Entry
				for _, spec := range c.StringSlice("entry") {
					parts := strings.Split(spec, ":")
					if len(parts) != 3 {
						return fmt.Errorf("bad --entry %q: expected key:size:offset", spec)
					}
					k, err := key.Parse(parts[0])
					if err != nil {
						return err
					}
					size, err := strconv.ParseUint(parts[1], 10, 32)
					if err != nil {
						return fmt.Errorf("bad --entry %q: %w", spec, err)
					}
					offset, err := strconv.ParseUint(parts[2], 10, 32)
					if err != nil {
						return fmt.Errorf("bad --entry %q: %w", spec, err)
					}
					entries = append(entries, archiveindex.Entry{Key: k, Size: uint32(size), Offset: uint32(offset)})
				}
				data, err := archiveindex.Build(entries)
				if err != nil {
					return err
				}
				idx, err := archiveindex.Parse(data)
				if err != nil {
					return err
				}
				r, err := repo.Open(c.String("root"), clock.Real{})
				if err != nil {
					return err
				}
				defer r.Close()
				if err := r.Local.Put(objectstore.KindData, idx.EKey, ".index", bytes.NewReader(data), true, false); err != nil {
					return err
				}
				fmt.Printf("archive create: wrote index %s\n", idx.EKey)
				return nil
			},
		},
		{
			Name:  "list-fragments",
			Usage: "list every fragment stored under the local fragments tree",
			Action: func(c *cli.Context) error {
				r, err := repo.Open(c.String("root"), clock.Real{})
				if err != nil {
					return err
				}
				defer r.Close()
				return r.Local.WalkFragments(func(e objectstore.WalkEntry) error {
					fmt.Printf("%s\n", e.Key)
					return nil
				})
			},
		},
	},
}
