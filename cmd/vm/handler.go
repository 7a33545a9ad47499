package vm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	cmdcore "github.com/obox-cloud/obox/cmd/core"
	"github.com/obox-cloud/obox/hypervisor"
	"github.com/obox-cloud/obox/records"
	"github.com/obox-cloud/obox/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) initStore(cmd *cobra.Command) (context.Context, *records.JSON, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := cmdcore.InitRecords(conf)
	if err != nil {
		return nil, nil, err
	}
	return ctx, store, nil
}

// initHyper resolves ref to a provisioned VM and connects the hypervisor.
func (h Handler) initHyper(cmd *cobra.Command, ref string) (context.Context, hypervisor.Hypervisor, string, func(), error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, "", nil, err
	}
	store, err := cmdcore.InitRecords(conf)
	if err != nil {
		return nil, nil, "", nil, err
	}
	rec, err := store.Resolve(ctx, ref)
	if err != nil {
		return nil, nil, "", nil, err
	}
	if rec.ProvisioningName == "" {
		return nil, nil, "", nil, fmt.Errorf("VM %s has not been provisioned", rec.DisplayName)
	}
	hyper, closeFn, err := cmdcore.InitHypervisor(ctx, conf)
	if err != nil {
		return nil, nil, "", nil, err
	}
	return ctx, hyper, rec.ProvisioningName, closeFn, nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, store, err := h.initStore(cmd)
	if err != nil {
		return err
	}
	owner, _ := cmd.Flags().GetString("owner")
	recs, err := store.List(ctx, func(rec *types.VMRecord) bool {
		return owner == "" || rec.OwnerID == owner
	})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if len(recs) == 0 {
		fmt.Println("No VMs found.")
		return nil
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tOWNER\tSTATUS\tCPU\tMEMORY\tDISK\tADDRESS\tCREATED")
	for _, rec := range recs {
		addr := "-"
		if rec.ExternalAddress != "" && rec.Port() != 0 {
			addr = fmt.Sprintf("%s:%d", rec.ExternalAddress, rec.Port())
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%dG\t%s\t%s\n",
			rec.ID,
			rec.DisplayName,
			rec.OwnerID,
			rec.Status,
			rec.Spec.VCPU,
			cmdcore.FormatMiB(rec.Spec.MemoryMiB),
			rec.Spec.DiskSizeGiB,
			addr,
			rec.CreatedAt.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

func (h Handler) Inspect(cmd *cobra.Command, args []string) error {
	ctx, store, err := h.initStore(cmd)
	if err != nil {
		return err
	}
	rec, err := store.Resolve(ctx, args[0])
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	if show, _ := cmd.Flags().GetBool("show-credential"); !show && rec.CredentialMaterial != "" {
		rec.CredentialMaterial = "<redacted>"
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func (h Handler) State(cmd *cobra.Command, args []string) error {
	ctx, hyper, name, closeFn, err := h.initHyper(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	var state types.PowerState
	policy := hypervisor.RetryPolicy{Attempts: 3, Delay: 500 * time.Millisecond} //nolint:mnd
	if err := hypervisor.DoWithRetry(ctx, policy, "state "+name, func() error {
		var err error
		state, err = hyper.State(ctx, name)
		return err
	}); err != nil {
		return fmt.Errorf("state %s: %w", name, err)
	}
	fmt.Println(state)
	return nil
}

func (h Handler) Resources(cmd *cobra.Command, args []string) error {
	ctx, hyper, name, closeFn, err := h.initHyper(cmd, args[0])
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := hyper.Resources(ctx, name)
	if err != nil {
		return fmt.Errorf("resources %s: %w", name, err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VCPU\tMEMORY USED\tDISK ALLOCATED\tDISK CAPACITY")
	_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
		res.VCPU,
		cmdcore.FormatSize(res.MemoryUsed),
		cmdcore.FormatSize(res.DiskAllocated),
		cmdcore.FormatSize(res.DiskCapacity),
	)
	return w.Flush()
}
