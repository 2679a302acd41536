package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/index/match"
	"github.com/Adithya-Monish-Kumar-K/indexstore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/indexstore/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/indexstore/pkg/logger"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	indexFlag := &cli.StringFlag{
		Name:     "index",
		Aliases:  []string{"i"},
		Usage:    "Path to the index file",
		Required: true,
	}
	return &cli.App{
		Name:  "indexctl",
		Usage: "Inspect and edit a local index file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: func(c *cli.Context) error {
			logger.SetupWriter(c.App.ErrWriter, c.String("log-level"), "text")
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "info",
				Usage:  "Print document count, categories and size of an index",
				Flags:  []cli.Flag{indexFlag},
				Action: infoCommand,
			},
			{
				Name:  "docs",
				Usage: "List the documents of an index",
				Flags: []cli.Flag{
					indexFlag,
					&cli.StringFlag{Name: "prefix", Usage: "Only list documents starting with this prefix"},
				},
				Action: docsCommand,
			},
			{
				Name:  "query",
				Usage: "Find words and the documents referencing them",
				Flags: []cli.Flag{
					indexFlag,
					&cli.StringSliceFlag{Name: "category", Aliases: []string{"c"}, Usage: "Category to search (repeatable)", Required: true},
					&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Usage: "Search key; empty matches every word"},
					&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "exact, prefix, pattern, regexp, camelcase or camelcase-same-part-count", Value: "exact"},
					&cli.BoolFlag{Name: "case-sensitive", Usage: "Match case exactly"},
				},
				Action: queryCommand,
			},
			{
				Name:  "put",
				Usage: "Add or replace a document and save the index",
				Flags: []cli.Flag{
					indexFlag,
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Document name", Required: true},
					&cli.StringSliceFlag{Name: "entry", Aliases: []string{"e"}, Usage: "category=word (repeatable)", Required: true},
				},
				Action: putCommand,
			},
			{
				Name:  "remove",
				Usage: "Remove a document and save the index",
				Flags: []cli.Flag{
					indexFlag,
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Usage: "Document name", Required: true},
				},
				Action: removeCommand,
			},
			{
				Name:   "drop",
				Usage:  "Delete an index file",
				Flags:  []cli.Flag{indexFlag},
				Action: dropCommand,
			},
		},
	}
}

// openIndex opens the file at path as a single-scope engine named after it.
func openIndex(path string) (*indexer.Engine, error) {
	if path == "" {
		return nil, fmt.Errorf("index path is required")
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return indexer.NewEngine(name, config.IndexerConfig{
		DataDir:       filepath.Dir(path),
		ReuseExisting: true,
	}, indexer.WithPath(path), indexer.WithStrictOpen())
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func infoCommand(c *cli.Context) error {
	engine, err := openIndex(c.String("index"))
	if err != nil {
		return err
	}
	defer engine.Close()
	return printJSON(c, engine.Stats())
}

func docsCommand(c *cli.Context) error {
	engine, err := openIndex(c.String("index"))
	if err != nil {
		return err
	}
	defer engine.Close()
	names, err := engine.DocumentNames(context.Background(), c.String("prefix"))
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(c.App.Writer, name)
	}
	return nil
}

func queryCommand(c *cli.Context) error {
	rule, err := match.ParseRule(c.String("mode"), c.Bool("case-sensitive"))
	if err != nil {
		return err
	}
	engine, err := openIndex(c.String("index"))
	if err != nil {
		return err
	}
	defer engine.Close()
	results, err := engine.Query(context.Background(), c.StringSlice("category"), c.String("key"), rule)
	if err != nil {
		return err
	}
	out := make(map[string][]string, len(results))
	for word, entry := range results {
		out[word] = entry.DocumentNames()
	}
	return printJSON(c, out)
}

// parseEntries turns category=word pairs into a document table.
func parseEntries(entries []string) (map[string][]string, error) {
	table := make(map[string][]string)
	for _, e := range entries {
		category, word, ok := strings.Cut(e, "=")
		if !ok || category == "" || word == "" {
			return nil, fmt.Errorf("%w: entry %q is not category=word", apperrors.ErrInvalidInput, e)
		}
		table[category] = append(table[category], word)
	}
	return table, nil
}

func putCommand(c *cli.Context) error {
	table, err := parseEntries(c.StringSlice("entry"))
	if err != nil {
		return err
	}
	engine, err := openIndex(c.String("index"))
	if err != nil {
		return err
	}
	ctx := context.Background()
	if err := engine.AddDocument(ctx, c.String("name"), table); err != nil {
		engine.Close()
		return err
	}
	return engine.Close()
}

func removeCommand(c *cli.Context) error {
	engine, err := openIndex(c.String("index"))
	if err != nil {
		return err
	}
	if err := engine.RemoveDocument(context.Background(), c.String("name")); err != nil {
		engine.Close()
		return err
	}
	return engine.Close()
}

func dropCommand(c *cli.Context) error {
	engine, err := openIndex(c.String("index"))
	if err != nil {
		return err
	}
	return engine.Delete()
}
