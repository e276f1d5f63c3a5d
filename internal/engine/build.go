package engine

import (
	"fmt"
	"sort"

	"github.com/ponder-go/ponder/internal/buildid"
	"github.com/ponder-go/ponder/internal/schema"
	"github.com/ponder-go/ponder/pkg/config"
)

// computeBuildID folds the config fields that affect what gets indexed,
// the validated schema's column set, and every registered handler's
// resolved source into one content hash: change any of them and the
// engine provisions a fresh set of tables instead of resuming atop
// tables an incompatible build wrote.
func computeBuildID(cfg *config.Config, sc schema.Schema, registrations []Registration) string {
	configSubset := make([]string, 0, len(cfg.Networks)+len(cfg.Contracts))
	for _, n := range cfg.Networks {
		configSubset = append(configSubset, fmt.Sprintf("network:%s:%d", n.Name, n.ChainID))
	}
	for _, cc := range cfg.Contracts {
		line := fmt.Sprintf("contract:%s:%s:%d", cc.Name, cc.Network, cc.StartBlock)
		if cc.Factory != nil {
			line += fmt.Sprintf(":factory:%s:%s:%d", cc.Factory.Address, cc.Factory.Event, cc.Factory.ParameterIndex)
		} else {
			line += ":address:" + cc.Address
		}
		configSubset = append(configSubset, line)
	}

	columns := make([]string, 0)
	for tableName, table := range sc.Tables {
		for _, col := range table.Columns {
			columns = append(columns, fmt.Sprintf("%s.%s:%s", tableName, col.Name, columnType(col)))
		}
	}

	sources := make(map[string]string, len(registrations))
	for _, r := range registrations {
		sources[r.Handler.Name] = r.Source
	}

	sort.Strings(configSubset)
	sort.Strings(columns)

	return buildid.Compute(buildid.Input{
		ConfigSubset:   configSubset,
		SchemaColumns:  columns,
		HandlerSources: sources,
		UpstreamIDs:    map[string]string{},
	})
}

func columnType(c schema.Column) string {
	switch {
	case c.Enum != "":
		return "enum:" + c.Enum
	case c.Reference != "":
		return "ref:" + c.Reference
	default:
		return string(c.Scalar)
	}
}
