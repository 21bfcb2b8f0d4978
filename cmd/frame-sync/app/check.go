package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stacklok/frame-sync/internal/config"
	"github.com/stacklok/frame-sync/internal/sources"
	"github.com/stacklok/frame-sync/internal/sources/synology"
)

func (c *cli) newCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the share can be opened and listed",
		Long: `Open the configured share, list its first page and report the catalog size.
Nothing is downloaded or recorded.

With --ask-passphrase the passphrase is read from the terminal, or from stdin
when stdin is not a terminal.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ask, err := cmd.Flags().GetBool("ask-passphrase")
			if err != nil {
				return err
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}

			passphrase, err := cfg.Source.Synology.GetPassphrase()
			if err != nil {
				return err
			}
			if ask {
				passphrase, err = readPassphrase(cmd, term.IsTerminal(int(os.Stdin.Fd())))
				if err != nil {
					return err
				}
			}

			opener, err := sources.NewOpenerFactory(synology.NewOpenerFromConfig).CreateOpener(cfg)
			if err != nil {
				return err
			}
			return checkShare(cmd.Context(), cmd.OutOrStdout(), cfg, opener, passphrase)
		},
	}
	cmd.Flags().Bool("ask-passphrase", false, "Prompt for the share passphrase")
	return cmd
}

func checkShare(ctx context.Context, w io.Writer, cfg *config.Config, opener sources.Opener, passphrase string) error {
	session, err := opener.Open(ctx, cfg.Source.Synology.ShareURL, passphrase)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			slog.Debug("Failed to close session", "error", err)
		}
	}()

	page, err := session.ListPage(ctx, 0, 1)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Share %s is reachable\n", cfg.Source.Synology.ShareURL)
	if page.Total > 0 {
		fmt.Fprintf(w, "Catalog reports %d items\n", page.Total)
	} else {
		fmt.Fprintf(w, "First page returned %d items\n", len(page.Entries))
	}
	return nil
}

func readPassphrase(cmd *cobra.Command, interactive bool) (string, error) {
	var reader io.Reader
	if interactive {
		fmt.Fprint(cmd.ErrOrStderr(), "Share passphrase: ")
		passphraseBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("failed to read passphrase: %w", err)
		}
		reader = bytes.NewReader(passphraseBytes)
	} else {
		reader = cmd.InOrStdin()
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	passphrase := strings.TrimRight(string(data), "\r\n")
	if passphrase == "" {
		return "", fmt.Errorf("passphrase cannot be empty")
	}
	return passphrase, nil
}
