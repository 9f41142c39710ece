package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/withobsrvr/searchsync/internal/api"
	"github.com/withobsrvr/searchsync/internal/config"
)

var (
	healthAddr    string
	healthTimeout time.Duration
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the health service of a running instance",
	Long: `Health calls grpc.health.v1.Health/Check on a running searchsync and
reports whether it is streaming. It exits non-zero when the instance is not
serving.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		addr := healthAddr
		if addr == "" {
			addr = cfg.Health.Address
		}
		if addr == "" {
			return fmt.Errorf("no health address: set --address or health.address")
		}

		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()

		status, err := api.CheckHealth(ctx, &api.ClientOptions{
			ServerAddress: addr,
			TLSConfig:     &cfg.Health.TLS,
		}, api.ServiceName)
		if err != nil {
			return err
		}

		if status == healthpb.HealthCheckResponse_SERVING {
			fmt.Printf("%s %s\n", addr, healthyStyle.Render(status.String()))
			return nil
		}
		fmt.Printf("%s %s\n", addr, unhealthyStyle.Render(status.String()))
		return fmt.Errorf("searchsync at %s is %s", addr, status)
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)

	healthCmd.Flags().StringVar(&healthAddr, "address", "", "health service address (defaults to health.address)")
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 5*time.Second, "request timeout")
}
