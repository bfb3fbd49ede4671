package secrets

import (
	"fmt"
	"strconv"
	"strings"
)

// parseDecimalString parses a NEAR view-call result (typically a
// JSON-quoted decimal string, e.g. `"1000000"`) into an int64 of minor
// units.
func parseDecimalString(raw []byte) (int64, error) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" {
		return 0, fmt.Errorf("secrets: empty balance result")
	}
	return strconv.ParseInt(s, 10, 64)
}
