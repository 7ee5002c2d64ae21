// collabnode runs collaborations of one app until it is interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spacemeshos/go-collab/cmd"
	"github.com/spacemeshos/go-collab/config"
	"github.com/spacemeshos/go-collab/log"
	"github.com/spacemeshos/go-collab/p2p"
	"github.com/spacemeshos/go-collab/signing"
)

var (
	version string
	commit  string
	branch  string
)

func main() { // run the app
	cmd.Version = version
	cmd.Commit = commit
	cmd.Branch = branch
	if err := rootCommand().Execute(); err != nil {
		// error was already printed by cobra
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	defaults := config.DefaultConfig()
	c := &cobra.Command{
		Use:   "collabnode",
		Short: "start a collaboration node",
		RunE: func(c *cobra.Command, _ []string) error {
			conf, err := cmd.LoadConfig(c.Flags())
			if err != nil {
				return err
			}
			return run(c.Context(), conf)
		},
	}
	cmd.AddFlags(c.Flags(), &defaults)
	c.AddCommand(identityCommand(), keygenCommand(), versionCommand())
	return c
}

func run(ctx context.Context, conf *config.Config) error {
	logger, _, err := log.New("node", conf.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := NewNode(ctx, logger, conf)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		logger.Error("failed to start node", zap.Error(err))
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		node.Stop(stopCtx)
		return err
	}
	<-ctx.Done()
	logger.Info("stopping node")
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return node.Stop(stopCtx)
}

func identityCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "identity <dir>",
		Short: "generate an identity in the directory if it is missing and print its peer id",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			if _, err := p2p.EnsureIdentity(args[0]); err != nil {
				return fmt.Errorf("failed generating identity: %w", err)
			}
			id, err := p2p.IdentityInfoFromDir(args[0])
			if err != nil {
				return fmt.Errorf("failed fetching identity from file: %w", err)
			}
			fmt.Fprintln(c.OutOrStdout(), id)
			return nil
		},
	}
}

func keygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <keys-dir> <collaboration>",
		Short: "generate a collaboration key and print its public key",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			signer, err := signing.NewKeyring(args[0]).Generate(args[1])
			if err != nil {
				return fmt.Errorf("failed generating key: %w", err)
			}
			fmt.Fprintln(c.OutOrStdout(), signer.PublicKey())
			return nil
		},
	}
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the build version",
		Run: func(c *cobra.Command, _ []string) {
			fmt.Fprintf(c.OutOrStdout(), "%s+%s+%s\n", cmd.Version, cmd.Commit, cmd.Branch)
		},
	}
}
