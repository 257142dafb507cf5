package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tanq16/bucket/internal/config"
	"github.com/tanq16/bucket/internal/output"
	"github.com/tanq16/bucket/internal/remote"
	"github.com/tanq16/bucket/internal/utils"
	"golang.org/x/term"
)

func newAuthCmd() *cobra.Command {
	var handshake string

	cmd := &cobra.Command{
		Use:   "auth [--remote URL] [--handshake CLIENT_ID/TOKEN]",
		Short: "Register this client with the distribution server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			server := cfg.Remote
			if server == "" {
				return errors.New("no server configured, pass --remote")
			}
			ctx := cmd.Context()
			httpClient := utils.NewBucketHTTPClient(cfg.HTTPClientConfig(utils.ParseHeaderArgs(headers)))

			if handshake == "" {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return errors.New("stdin is not a terminal, pass --handshake")
				}
				link, err := remote.Initiate(ctx, server, httpClient)
				if err != nil {
					return err
				}
				output.PrintHeader("Open the following link to authorize this client:")
				output.PrintDetail("  " + link)
				fmt.Print(output.FDebug("Paste the handshake shown after signing in: "))
				line, err := bufio.NewReader(os.Stdin).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("error reading handshake: %w", err)
				}
				handshake = strings.TrimSpace(line)
			}

			cred, err := remote.Handshake(ctx, server, handshake, httpClient)
			if err != nil {
				return err
			}

			// Only the file's own settings are written back, not flags or env.
			stored, err := config.LoadFromFile(configPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				stored = config.Default()
			}
			stored.Remote = server
			stored.Auth = cred
			if err := config.Save(configPath, stored); err != nil {
				return err
			}
			log.Info().Str("op", "cmd/auth").Msgf("Stored credential for client %s", cred.ClientID)
			output.PrintSuccess(fmt.Sprintf("Authenticated as %s, credential saved to %s", cred.ClientID, configPath))
			return nil
		},
	}

	cmd.Flags().StringVar(&handshake, "handshake", "", "Handshake in the form CLIENT_ID/TOKEN (skips the interactive prompt)")
	return cmd
}
