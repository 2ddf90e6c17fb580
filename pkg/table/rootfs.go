package table

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/kairos-io/disklayout/internal/constants"
	"github.com/kairos-io/disklayout/pkg/layout"
)

// CheckRootfsPartitionsMatch makes sure every rootfs partition can replace
// any other one: same format and same number of reserved erase blocks.
// Every mismatch found is reported.
func CheckRootfsPartitionsMatch(partitions layout.Layout) error {
	var result *multierror.Error
	var first *layout.Partition
	for i := range partitions {
		p := &partitions[i]
		if p.Type != constants.RootfsType {
			continue
		}
		if first == nil {
			first = p
			continue
		}
		if p.Format != first.Format {
			result = multierror.Append(result, fmt.Errorf("%w: %q (%s) and %q (%s)",
				constants.ErrMismatchedRootfsFormat, first.Format, first.Label, p.Format, p.Label))
		}
		if p.ReservedEraseBlocks != first.ReservedEraseBlocks {
			result = multierror.Append(result, fmt.Errorf("%w: %d (%s) and %d (%s)",
				constants.ErrMismatchedRootfsBlocks, first.ReservedEraseBlocks, first.Label, p.ReservedEraseBlocks, p.Label))
		}
	}
	return result.ErrorOrNil()
}
