package postgres

import (
	"fmt"
	"strings"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// window appends time and paging clauses for opts on column col, newest
// first, continuing placeholder numbering after args.
func window(col string, opts domain.ListOpts, args []any) (string, []any) {
	var b strings.Builder
	if opts.Since != nil {
		args = append(args, *opts.Since)
		fmt.Fprintf(&b, " AND %s >= $%d", col, len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		fmt.Fprintf(&b, " AND %s <= $%d", col, len(args))
	}
	fmt.Fprintf(&b, " ORDER BY %s DESC", col)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
