package utils

import (
	"time"

	"github.com/shopspring/decimal"
)

// SplitAmount divides total into n whole-unit parts.
// Every part gets floor(total / n); the remainder is added to the last part
// so the parts always sum to total exactly.
func SplitAmount(total decimal.Decimal, n int) []decimal.Decimal {
	if n <= 0 {
		return nil
	}
	count := decimal.NewFromInt(int64(n))
	base := total.Div(count).Floor()
	remainder := total.Sub(base.Mul(count))

	parts := make([]decimal.Decimal, n)
	for i := range parts {
		parts[i] = base
	}
	parts[n-1] = parts[n-1].Add(remainder)
	return parts
}

// SplitCount divides total items into n contiguous ranges, remainder on the
// last range. It returns the 1-based inclusive [from, to] of each range.
func SplitCount(total, n int) [][2]int {
	if n <= 0 || total <= 0 {
		return nil
	}
	base := total / n
	ranges := make([][2]int, n)
	next := 1
	for i := 0; i < n; i++ {
		size := base
		if i == n-1 {
			size = total - base*(n-1)
		}
		if size == 0 {
			// more ranges than items: the range is empty
			ranges[i] = [2]int{0, 0}
			continue
		}
		ranges[i] = [2]int{next, next + size - 1}
		next += size
	}
	return ranges
}

// CalculateDueDate returns the due date of the installment that falls
// monthOffset months after start. Days past the end of the target month are
// clamped to its last day (Jan 31 + 1 month = Feb 28/29).
func CalculateDueDate(start time.Time, monthOffset int) time.Time {
	year, month, day := start.Date()
	firstOfTarget := time.Date(year, month+time.Month(monthOffset), 1,
		start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return firstOfTarget.AddDate(0, 0, day-1)
}

// IsDateOverdue checks if a due date is strictly before now
func IsDateOverdue(dueDate, now time.Time) bool {
	return dueDate.Before(now)
}

// ToSmallestUnit converts a whole-unit amount to the gateway's smallest unit.
func ToSmallestUnit(amount decimal.Decimal, multiplier int64) int64 {
	return amount.Mul(decimal.NewFromInt(multiplier)).IntPart()
}

// FromSmallestUnit converts a gateway amount back to whole units.
func FromSmallestUnit(amount int64, multiplier int64) decimal.Decimal {
	return decimal.NewFromInt(amount).Div(decimal.NewFromInt(multiplier))
}
