package engine

import "github.com/spf13/cobra"

// Actions defines the long-running engine operations.
type Actions interface {
	Serve(cmd *cobra.Command, args []string) error
	Reconcile(cmd *cobra.Command, args []string) error
}

// Commands builds the engine command set (serve, reconcile).
func Commands(h Actions) []*cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job dispatcher, the periodic state sync and the metrics endpoint",
		Args:  cobra.NoArgs,
		RunE:  h.Serve,
	}
	serveCmd.Flags().String("metrics-addr", "", "override metrics listen address (empty keeps config)")

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one state sync pass against the hypervisor",
		Args:  cobra.NoArgs,
		RunE:  h.Reconcile,
	}

	return []*cobra.Command{serveCmd, reconcileCmd}
}
