package fusion

import (
	"fmt"
	"sort"
	"strings"
)

// UnknownLotIDsError is returned when a lot subscription targets ids that
// do not exist.
type UnknownLotIDsError struct {
	IDs []string
}

func (e *UnknownLotIDsError) Error() string {
	ids := append([]string(nil), e.IDs...)
	sort.Strings(ids)
	return fmt.Sprintf("fusion: unknown lot ids: %s", strings.Join(ids, ", "))
}
