package dispatch

import (
	"strconv"
	"strings"
)

// versionLess reports whether a < b for dotted numeric versions
// ("1.2.3"). Non-numeric or missing components compare as zero, so a
// malformed version never panics — it just loses the comparison.
func versionLess(a, b string) bool {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var an, bn int
		if i < len(as) {
			an, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bn, _ = strconv.Atoi(bs[i])
		}
		if an != bn {
			return an < bn
		}
	}
	return false
}
