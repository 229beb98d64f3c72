package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"erpid.org/internal/probe"
)

var (
	healthAddr    string
	healthService string
	healthTimeout time.Duration
	healthJSON    bool
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the gRPC health endpoint of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := probe.Dial(healthAddr)
		if err != nil {
			return fmt.Errorf("dial %s: %w", healthAddr, err)
		}
		defer c.Close()

		ctx, cancel := probe.WithTimeout(cmd.Context(), healthTimeout)
		defer cancel()
		st, err := c.Check(ctx, healthService)
		if err != nil {
			return err
		}
		if healthJSON {
			b, err := protojson.Marshal(&grpc_health_v1.HealthCheckResponse{Status: st})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(b))
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", healthAddr, st)
		}
		if st != grpc_health_v1.HealthCheckResponse_SERVING {
			return fmt.Errorf("server is %s", st)
		}
		return nil
	},
}

func init() {
	f := healthCmd.Flags()
	f.StringVar(&healthAddr, "addr", "localhost:9090", "gRPC health address")
	f.StringVar(&healthService, "service", "", `Service name ("" or "erpid")`)
	f.DurationVar(&healthTimeout, "timeout", 5*time.Second, "Request timeout")
	f.BoolVar(&healthJSON, "json", false, "Print the health response as JSON")
	rootCmd.AddCommand(healthCmd)
}
