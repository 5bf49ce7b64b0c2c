package main

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ridgedb/ridge/internal/hrq"
)

// hrqResourceTreeFile is the on-disk shape for Coordinator.HRQResourceTreeFile:
// a flat list of resource paths with their overrides, applied to the tree in
// file order (so a parent path's override must precede its children's).
type hrqResourceTreeFile struct {
	Resources []hrqResourceEntry `yaml:"resources"`
}

type hrqResourceEntry struct {
	Path              string   `yaml:"path"`
	MaxUnitsPerSecond *float64 `yaml:"max_units_per_second,omitempty"`
	Weight            *float64 `yaml:"weight,omitempty"`

	// Accounting, when present, enables usage billing on this resource:
	// consumption in its sub-tree flows to the nearest accounting-enabled
	// ancestor, so enabling it on a tenant root bills the whole tenant.
	Accounting *hrqAccountingEntry `yaml:"accounting,omitempty"`
}

type hrqAccountingEntry struct {
	ReportPeriodSeconds    float64 `yaml:"report_period_seconds"`
	ProvisionedCoefficient float64 `yaml:"provisioned_coefficient"`
	OvershootCoefficient   float64 `yaml:"overshoot_coefficient"`
}

// loadHRQResourceTree applies a resource tree definition on top of tree's
// already-initialized root, returning an error only on a malformed file;
// a missing path is treated as "no overrides configured" rather than fatal,
// mirroring config.NewViper's tolerance of a missing --config file.
func loadHRQResourceTree(tree *hrq.Tree, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var file hrqResourceTreeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}
	for _, entry := range file.Resources {
		var overrides hrq.ResourceOverrides
		overrides.MaxUnitsPerSecond = entry.MaxUnitsPerSecond
		overrides.Weight = entry.Weight
		res, err := tree.EnsurePath(entry.Path, overrides)
		if err != nil {
			return err
		}
		if entry.Accounting != nil {
			res.Accounting = &hrq.RateAccounting{
				ReportPeriod:           time.Duration(entry.Accounting.ReportPeriodSeconds * float64(time.Second)),
				ProvisionedCoefficient: entry.Accounting.ProvisionedCoefficient,
				OvershootCoefficient:   entry.Accounting.OvershootCoefficient,
			}
		}
	}
	return nil
}
