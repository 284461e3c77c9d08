package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maltedev/markschecker/internal/session"
)

func checkCMD() *cobra.Command {
	var (
		sid        string
		terms      string
		termsFile  string
		searchType string
		limit      string
	)

	check := &cobra.Command{
		Use:   "check",
		Short: "Resolve terms once and print the results as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sid == "" {
				sid = os.Getenv("MARKSCHECKER_GLOBAL_SID")
			}

			raw := terms
			if termsFile != "" {
				b, err := readTerms(termsFile)
				if err != nil {
					return err
				}
				raw = string(b)
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.startRelay(ctx)

			sess, err := a.manager.CreateSession(ctx, session.CreateRequest{
				Credential: sid,
				RawTerms:   raw,
				SearchType: searchType,
				Limit:      limit,
			})
			if err != nil {
				return err
			}

			for i, n := 0, sess.TotalChunks(); i < n; i++ {
				if _, err := a.manager.ProcessChunk(ctx, sess.ID, session.ChunkRequest{Index: i, Credential: sid}); err != nil {
					return fmt.Errorf("failed to process chunk %d: %w", i, err)
				}
			}

			res, err := a.manager.GetResults(ctx, sess.ID)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}

	check.Flags().StringVar(&sid, "sid", "", "storefront global_sid cookie (default $MARKSCHECKER_GLOBAL_SID)")
	check.Flags().StringVar(&terms, "terms", "", "comma or whitespace separated terms")
	check.Flags().StringVar(&termsFile, "file", "", "read terms from a file, - for stdin")
	check.Flags().StringVar(&searchType, "type", "article", "article or keyword")
	check.Flags().StringVar(&limit, "limit", "all", "products per keyword search: all or 1-50")

	return check
}

func readTerms(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	b, err := os.ReadFile(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("terms file %s does not exist", name)
	}
	return b, err
}
