package cache

import (
	"fmt"
	"strconv"
	"strings"
)

// Purposes of derived values cached per account.
const (
	PurposeSummary = "summary"
	PurposeBudget  = "budget"
	PurposeBalance = "balance"
)

// AccountKey is the version key shared by every cached value of an account.
func AccountKey(accountID int64) string {
	return fmt.Sprintf("cache:account:%d:version", accountID)
}

// Key builds an opaque cache key of the form
// {purpose}:{accountID}:{params...}:v{version}. Consumers outside this
// package must not parse it.
func Key(purpose string, accountID int64, version int64, params ...any) string {
	var b strings.Builder
	b.WriteString(purpose)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(accountID, 10))
	for _, p := range params {
		b.WriteByte(':')
		fmt.Fprint(&b, p)
	}
	b.WriteString(":v")
	b.WriteString(strconv.FormatInt(version, 10))
	return b.String()
}
