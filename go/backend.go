package simplehv

import (
	"github.com/pkg/errors"

	"github.com/simplehv/simplehv/go/cpu/soft"
	"github.com/simplehv/simplehv/go/mm"
	"github.com/simplehv/simplehv/go/models"
)

// BackendFunc creates a hart running guests out of phys.
type BackendFunc func(phys *mm.PhysMem, cfg *models.Config) (models.Hart, error)

var backends = make(map[string]BackendFunc)

func RegisterBackend(name string, fn BackendFunc) {
	backends[name] = fn
}

func newHart(phys *mm.PhysMem, cfg *models.Config) (models.Hart, error) {
	fn, ok := backends[cfg.Backend]
	if !ok {
		return nil, newError(ConfigError, errors.Errorf("backend %q not built in", cfg.Backend))
	}
	return fn(phys, cfg)
}

func init() {
	RegisterBackend(models.BackendSoft, func(phys *mm.PhysMem, cfg *models.Config) (models.Hart, error) {
		return soft.New(phys, soft.Options{
			CaptureHtinst: cfg.CaptureHtinst,
			MaxSteps:      cfg.MaxSteps,
			HartID:        cfg.HartID,
		}), nil
	})
}
