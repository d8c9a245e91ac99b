package schema

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
)

// RowKey returns the stable storage key of a record's id: the decimal form of an
// integral id or the trimmed text of a string id. It reports false when the record
// has no usable id.
func (r Record) RowKey() (string, bool) {
	return KeyOf(r.values[FieldID])
}

// KeyOf renders an id value as a storage key.
func KeyOf(id any) (string, bool) {
	switch v := Normalize(id).(type) {
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		if i, ok := AsInt(v); ok {
			return strconv.FormatInt(i, 10), true
		}
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s, true
		}
	}
	return "", false
}

// CompareKeys orders storage keys numerically when both are integers, otherwise lexically.
func CompareKeys(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		return cmp.Compare(ai, bi)
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// SortByID orders rows by id in place. Rows without an id sort last.
func SortByID(rows []Record) {
	slices.SortStableFunc(rows, func(a, b Record) int {
		ak, aok := a.RowKey()
		bk, bok := b.RowKey()
		switch {
		case aok && bok:
			return CompareKeys(ak, bk)
		case aok:
			return -1
		case bok:
			return 1
		}
		return 0
	})
}

// NormalizeEmail is the comparison form of an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
