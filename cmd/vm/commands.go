package vm

import "github.com/spf13/cobra"

// Actions defines read-only VM operations.
type Actions interface {
	List(cmd *cobra.Command, args []string) error
	Inspect(cmd *cobra.Command, args []string) error
	State(cmd *cobra.Command, args []string) error
	Resources(cmd *cobra.Command, args []string) error
}

// Command builds the "vm" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	vmCmd := &cobra.Command{
		Use:   "vm",
		Short: "Inspect virtual machines",
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List VM records with status",
		RunE:    h.List,
	}
	listCmd.Flags().String("owner", "", "only VMs of this owner ID")

	inspectCmd := &cobra.Command{
		Use:   "inspect VM",
		Short: "Show the VM record (JSON)",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Inspect,
	}
	inspectCmd.Flags().Bool("show-credential", false, "include the access credential")

	stateCmd := &cobra.Command{
		Use:   "state VM",
		Short: "Query the hypervisor for the current power state",
		Args:  cobra.ExactArgs(1),
		RunE:  h.State,
	}

	resourcesCmd := &cobra.Command{
		Use:   "resources VM",
		Short: "Query the hypervisor for CPU, memory and disk usage",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Resources,
	}

	vmCmd.AddCommand(listCmd, inspectCmd, stateCmd, resourcesCmd)
	return vmCmd
}
