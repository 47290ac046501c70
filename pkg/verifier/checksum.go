package verifier

import (
	"crypto/md5"
	"encoding/hex"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Row is one entity as seen by a checksum strategy
type Row struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// KeySelector returns the ordering timestamp of a row. A nil selector orders by id alone.
type KeySelector func(Row) time.Time

// Selector returns the key selector for an order column
func Selector(column models.OrderColumn) KeySelector {
	switch column {
	case models.OrderColumnCreatedAt:
		return func(r Row) time.Time { return r.CreatedAt }
	case models.OrderColumnUpdatedAt:
		return func(r Row) time.Time { return r.UpdatedAt }
	default:
		return nil
	}
}

// ComputeChecksum orders rows by the selector's key (ties and the id strategy use
// the id), concatenates their ids with no separator and returns the hex MD5 of the
// result together with the number of distinct ids hashed.
//
// With a non-nil selector, rows whose key is not strictly before calculatedAt may
// have changed while the source computed its checksum. They are left out of both the
// hash and the count and reported as excluded.
func ComputeChecksum(rows []Row, selector KeySelector, calculatedAt time.Time) (count int64, checksum string, excluded int64) {
	distinct := make(map[string]Row, len(rows))
	for _, r := range rows {
		existing, ok := distinct[r.ID]
		if !ok || (selector != nil && selector(r).After(selector(existing))) {
			distinct[r.ID] = r
		}
	}

	included := make([]Row, 0, len(distinct))
	for _, r := range distinct {
		if selector != nil && !selector(r).Before(calculatedAt) {
			excluded++
			continue
		}
		included = append(included, r)
	}

	compare := strings.Compare
	if allNumeric(included) {
		compare = compareNumeric
	}
	sort.Slice(included, func(i, j int) bool {
		if selector != nil {
			ki, kj := selector(included[i]), selector(included[j])
			if !ki.Equal(kj) {
				return ki.Before(kj)
			}
		}
		return compare(included[i].ID, included[j].ID) < 0
	})

	var sb strings.Builder
	for _, r := range included {
		sb.WriteString(r.ID)
	}
	sum := md5.Sum([]byte(sb.String()))

	return int64(len(included)), hex.EncodeToString(sum[:]), excluded
}

// allNumeric returns true when every id is a base-10 integer, in which case ids are
// ordered numerically the way an integer primary key sorts at the source
func allNumeric(rows []Row) bool {
	if len(rows) == 0 {
		return false
	}
	for _, r := range rows {
		if _, ok := new(big.Int).SetString(r.ID, 10); !ok {
			return false
		}
	}
	return true
}

func compareNumeric(a, b string) int {
	ai, _ := new(big.Int).SetString(a, 10)
	bi, _ := new(big.Int).SetString(b, 10)
	if c := ai.Cmp(bi); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}
