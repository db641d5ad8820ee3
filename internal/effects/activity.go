package effects

import (
	"strconv"

	"github.com/roach88/ledgerwrite/internal/builder"
)

// Activity type codes, stored as strings.
const (
	ActivityPost     = 100
	ActivityComment  = 110
	ActivityVote     = 120
	ActivityReblog   = 130
	ActivityDelegate = 150
)

var activityByKind = map[string]int{
	builder.KindPost:     ActivityPost,
	builder.KindComment:  ActivityComment,
	builder.KindVote:     ActivityVote,
	builder.KindReblog:   ActivityReblog,
	builder.KindDelegate: ActivityDelegate,
}

// ActivityFor maps a builder kind to its activity type. Kinds without an
// activity return false and fire nothing.
func ActivityFor(kind string) (string, bool) {
	code, ok := activityByKind[kind]
	if !ok {
		return "", false
	}
	return strconv.Itoa(code), true
}
