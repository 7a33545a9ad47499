package jobs

import "github.com/spf13/cobra"

// Actions defines job submission and inspection.
type Actions interface {
	Create(cmd *cobra.Command, args []string) error
	Update(cmd *cobra.Command, args []string) error
	Destroy(cmd *cobra.Command, args []string) error
	Action(cmd *cobra.Command, args []string) error
	List(cmd *cobra.Command, args []string) error
}

// Command builds the "job" parent command with all subcommands.
func Command(h Actions) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit and inspect lifecycle jobs",
	}

	createCmd := &cobra.Command{
		Use:   "create [flags] NAME",
		Short: "Record a new VM and queue its creation",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Create,
	}
	addOwnerFlags(createCmd)
	createCmd.Flags().String("os", "ubuntu", "operating system image family")
	createCmd.Flags().String("version", "22.04", "operating system image version")
	addSizeFlags(createCmd)

	updateCmd := &cobra.Command{
		Use:   "update [flags] VM",
		Short: "Queue a resize of a VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Update,
	}
	addOwnerFlags(updateCmd)
	addSizeFlags(updateCmd)

	destroyCmd := &cobra.Command{
		Use:   "destroy [flags] VM",
		Short: "Queue the teardown of a VM",
		Args:  cobra.ExactArgs(1),
		RunE:  h.Destroy,
	}
	addOwnerFlags(destroyCmd)

	actionCmd := &cobra.Command{
		Use:       "action VM start|stop|reboot",
		Short:     "Queue a power action on a VM",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"start", "stop", "reboot"},
		RunE:      h.Action,
	}

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List queued, running and failed jobs",
		RunE:    h.List,
	}
	listCmd.Flags().String("state", "", "only jobs in this state (ready, running, failed)")

	jobCmd.AddCommand(createCmd, updateCmd, destroyCmd, actionCmd, listCmd)
	return jobCmd
}

func addOwnerFlags(cmd *cobra.Command) {
	cmd.Flags().String("owner-id", "", "owner ID")
	cmd.Flags().String("owner-name", "", "owner name, used in provisioning names")
	cmd.Flags().String("owner-email", "", "where lifecycle notifications go")
}

func addSizeFlags(cmd *cobra.Command) {
	cmd.Flags().Int("vcpu", 1, "virtual CPUs")
	cmd.Flags().Int("memory", 1024, "memory in MiB")
	cmd.Flags().Int("disk", 20, "disk size in GiB")
}
