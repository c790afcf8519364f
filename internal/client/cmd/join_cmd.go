package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/rudransh-shrivastava/mesh-it/internal/capability"
	"github.com/rudransh-shrivastava/mesh-it/internal/logger"
	"github.com/rudransh-shrivastava/mesh-it/internal/peer"
)

var (
	downloadDir string
	services    []string
	stunServers []string
)

var joinCmd = &cobra.Command{
	Use:   "join room rendezvous-address",
	Short: "join a room and form the mesh",
	Long:  `joins a room via the rendezvous server, connects to every peer in it, and starts an interactive session`,
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		roomID := args[0]
		rendezvousAddr := args[1]
		log := logger.NewLogger()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := peer.New(peer.Config{
			RendezvousAddr: rendezvousAddr,
			RoomID:         roomID,
			DownloadDir:    downloadDir,
			Services:       services,
			STUNServers:    stunServers,
			Resources: capability.Resources{
				MaxConnections: 10,
				MaxBandwidth:   2 << 20,
				Reliability:    0.9,
				Uptime:         0.9,
			},
			Logger: log,
		})
		if err := p.Start(ctx); err != nil {
			log.Fatal(err)
			return
		}
		defer p.Shutdown()

		runSession(ctx, p, log)
	},
}

func init() {
	joinCmd.Flags().StringVar(&downloadDir, "downloads", "downloads", "directory for received files")
	joinCmd.Flags().StringSliceVar(&services, "service", nil, "services this peer offers")
	joinCmd.Flags().StringSliceVar(&stunServers, "stun", nil, "STUN servers for NAT traversal")
}
