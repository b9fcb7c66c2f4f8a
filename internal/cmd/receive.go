package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/dropbridge/internal/client"
)

var receiveFlags struct {
	name   string
	output string
	yes    bool
	quiet  bool
}

var receiveCmd = &cobra.Command{
	Use:   "receive proxy-url",
	Short: "receives files through a proxy",
	Long: `connects to a proxy as a bridged peer and saves accepted files.
proxy-url is quic://host:port, ws://host:port or webrtc+https://host:port`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Handshake.Std())
		conn, err := client.Dial(dialCtx, args[0], cfg.STUNServers)
		cancel()
		if err != nil {
			return err
		}

		ccfg := client.Config{
			Name:      receiveFlags.name,
			OutputDir: receiveFlags.output,
			Logger:    log,
		}
		if !receiveFlags.yes {
			ccfg.Accept = client.Prompt(cmd.InOrStdin(), cmd.OutOrStdout())
		}
		if !receiveFlags.quiet {
			ccfg.Progress = cmd.ErrOrStderr()
		}

		c := client.New(conn, ccfg)
		defer c.Close()

		connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.Handshake.Std())
		id, err := c.Connect(connectCtx)
		cancel()
		if err != nil {
			return err
		}
		cmd.Printf("Receiving as %s.local, waiting for senders\n", id)

		return c.Run(ctx)
	},
}

func init() {
	hostname, _ := os.Hostname()

	f := receiveCmd.Flags()
	f.StringVarP(&receiveFlags.name, "name", "n", hostname, "display name shown to senders")
	f.StringVarP(&receiveFlags.output, "output", "o", ".", "directory to save files into")
	f.BoolVarP(&receiveFlags.yes, "yes", "y", false, "accept every transfer without asking")
	f.BoolVarP(&receiveFlags.quiet, "quiet", "q", false, "hide download progress")
}
