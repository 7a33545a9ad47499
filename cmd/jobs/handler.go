package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/obox-cloud/obox/cmd/core"
	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/queue/sqlite"
	"github.com/obox-cloud/obox/records"
	"github.com/obox-cloud/obox/types"
)

type Handler struct {
	cmdcore.BaseHandler
}

// session is the store and queue a submitting command works against.
type session struct {
	store *records.JSON
	q     *sqlite.Queue
}

func (h Handler) open(cmd *cobra.Command) (context.Context, *session, error) {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := cmdcore.InitRecords(conf)
	if err != nil {
		return nil, nil, err
	}
	q, err := cmdcore.InitQueue(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	return ctx, &session{store: store, q: q}, nil
}

func (h Handler) Create(cmd *cobra.Command, args []string) error {
	ctx, s, err := h.open(cmd)
	if err != nil {
		return err
	}
	defer s.q.Close() //nolint:errcheck

	owner, err := ownerFromFlags(cmd, "")
	if err != nil {
		return err
	}
	osType, _ := cmd.Flags().GetString("os")
	version, _ := cmd.Flags().GetString("version")
	size := sizeFromFlags(cmd)
	req := types.CreateRequest{
		Name:      args[0],
		OSType:    osType,
		Version:   version,
		VCPU:      size.VCPU,
		MemoryMiB: size.MemoryMiB,
		DiskGiB:   size.DiskSizeGiB,
	}

	rec, err := s.store.Insert(ctx, &types.VMRecord{
		OwnerID:     owner.ID,
		DisplayName: req.Name,
		Spec:        req.Spec(),
	})
	if err != nil {
		return fmt.Errorf("record VM: %w", err)
	}
	jobID, err := queue.Submit(ctx, s.q, types.JobCreate, types.CreatePayload{Owner: owner, Spec: req, RecordID: rec.ID})
	if err != nil {
		return errors.Join(fmt.Errorf("queue create: %w", err), s.store.Delete(context.WithoutCancel(ctx), rec.ID))
	}
	log.WithFunc("cmd.job.create").Infof(ctx, "VM %s recorded as %s, create job %s queued", req.Name, rec.ID, jobID)
	return nil
}

func (h Handler) Update(cmd *cobra.Command, args []string) error {
	ctx, s, err := h.open(cmd)
	if err != nil {
		return err
	}
	defer s.q.Close() //nolint:errcheck

	rec, err := s.store.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	owner, err := ownerFromFlags(cmd, rec.OwnerID)
	if err != nil {
		return err
	}
	size := resizeFromFlags(cmd, rec.Spec)
	if size == (types.Resize{VCPU: rec.Spec.VCPU, MemoryMiB: rec.Spec.MemoryMiB, DiskSizeGiB: rec.Spec.DiskSizeGiB}) {
		return fmt.Errorf("nothing to change: pass at least one of --vcpu, --memory, --disk")
	}
	if size.DiskSizeGiB < rec.Spec.DiskSizeGiB {
		return fmt.Errorf("disk of %s is %dGiB and cannot shrink to %dGiB", rec.DisplayName, rec.Spec.DiskSizeGiB, size.DiskSizeGiB)
	}
	jobID, err := queue.Submit(ctx, s.q, types.JobUpdate, types.UpdatePayload{Owner: owner, RecordID: rec.ID, Spec: size})
	if err != nil {
		return fmt.Errorf("queue update: %w", err)
	}
	log.WithFunc("cmd.job.update").Infof(ctx, "update job %s queued for %s", jobID, rec.ID)
	return nil
}

func (h Handler) Destroy(cmd *cobra.Command, args []string) error {
	ctx, s, err := h.open(cmd)
	if err != nil {
		return err
	}
	defer s.q.Close() //nolint:errcheck

	rec, err := s.store.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	owner, err := ownerFromFlags(cmd, rec.OwnerID)
	if err != nil {
		return err
	}
	jobID, err := queue.Submit(ctx, s.q, types.JobDestroy, types.DestroyPayload{Owner: owner, Record: *rec})
	if err != nil {
		return fmt.Errorf("queue destroy: %w", err)
	}
	log.WithFunc("cmd.job.destroy").Infof(ctx, "destroy job %s queued for %s", jobID, rec.ID)
	return nil
}

func (h Handler) Action(cmd *cobra.Command, args []string) error {
	action := types.Action(args[1])
	if !action.Valid() {
		return fmt.Errorf("unknown action %q", args[1])
	}
	ctx, s, err := h.open(cmd)
	if err != nil {
		return err
	}
	defer s.q.Close() //nolint:errcheck

	rec, err := s.store.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	jobID, err := queue.Submit(ctx, s.q, types.JobAction, types.ActionPayload{RecordID: rec.ID, Action: action})
	if err != nil {
		return fmt.Errorf("queue %s: %w", action, err)
	}
	log.WithFunc("cmd.job.action").Infof(ctx, "%s job %s queued for %s", action, jobID, rec.ID)
	return nil
}

func (h Handler) List(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	q, err := cmdcore.InitQueue(ctx, conf)
	if err != nil {
		return err
	}
	defer q.Close() //nolint:errcheck

	state, _ := cmd.Flags().GetString("state")
	jobs, err := q.List(ctx, types.JobState(state))
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tPRIORITY\tSTATE\tATTEMPTS\tRUN AT\tLAST ERROR")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d/%d\t%s\t%s\n",
			j.ID, j.Type, j.Priority, j.State, j.Attempts, j.MaxAttempts,
			j.RunAt.Local().Format(time.DateTime), j.LastError)
	}
	return w.Flush()
}

// ownerFromFlags reads the owner flags; knownID fills in the ID of an
// existing record's owner.
func ownerFromFlags(cmd *cobra.Command, knownID string) (types.Owner, error) {
	id, _ := cmd.Flags().GetString("owner-id")
	name, _ := cmd.Flags().GetString("owner-name")
	email, _ := cmd.Flags().GetString("owner-email")
	if id == "" {
		id = knownID
	}
	if knownID != "" && id != knownID {
		return types.Owner{}, fmt.Errorf("owner %s does not own this VM", id)
	}
	if id == "" || name == "" {
		return types.Owner{}, fmt.Errorf("--owner-id and --owner-name are required")
	}
	return types.Owner{ID: id, Name: name, Email: email}, nil
}

func sizeFromFlags(cmd *cobra.Command) types.Resize {
	vcpu, _ := cmd.Flags().GetInt("vcpu")
	memory, _ := cmd.Flags().GetInt("memory")
	disk, _ := cmd.Flags().GetInt("disk")
	return types.Resize{VCPU: vcpu, MemoryMiB: memory, DiskSizeGiB: disk}
}

// resizeFromFlags keeps cur for every size flag the user did not set.
func resizeFromFlags(cmd *cobra.Command, cur types.Spec) types.Resize {
	size := types.Resize{VCPU: cur.VCPU, MemoryMiB: cur.MemoryMiB, DiskSizeGiB: cur.DiskSizeGiB}
	flags := cmd.Flags()
	if flags.Changed("vcpu") {
		size.VCPU, _ = flags.GetInt("vcpu")
	}
	if flags.Changed("memory") {
		size.MemoryMiB, _ = flags.GetInt("memory")
	}
	if flags.Changed("disk") {
		size.DiskSizeGiB, _ = flags.GetInt("disk")
	}
	return size
}
