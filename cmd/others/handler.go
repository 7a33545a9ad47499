package others

import (
	"fmt"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	cmdcore "github.com/obox-cloud/obox/cmd/core"
	"github.com/obox-cloud/obox/gc"
	"github.com/obox-cloud/obox/lock/flock"
	"github.com/obox-cloud/obox/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	store, err := cmdcore.InitRecords(conf)
	if err != nil {
		return err
	}

	o := gc.New()
	gc.Register(o, gc.Records(store))
	gc.Register(o, gc.Orphans(cmdcore.InitProvisioner(conf), flock.New(conf.WorkspacesLock()), time.Now))
	if err := o.Run(ctx); err != nil {
		return err
	}
	log.WithFunc("cmd.gc").Infof(ctx, "GC completed")
	return nil
}

func (h Handler) Version(_ *cobra.Command, _ []string) error {
	fmt.Print(version.String())
	return nil
}
