//go:build unicorn

package simplehv

import (
	"github.com/simplehv/simplehv/go/cpu/unicorn"
	"github.com/simplehv/simplehv/go/mm"
	"github.com/simplehv/simplehv/go/models"
)

func init() {
	RegisterBackend(models.BackendUnicorn, func(phys *mm.PhysMem, cfg *models.Config) (models.Hart, error) {
		return unicorn.New(phys, unicorn.Options{
			CaptureHtinst: cfg.CaptureHtinst,
			MaxSteps:      cfg.MaxSteps,
			HartID:        cfg.HartID,
		})
	})
}
