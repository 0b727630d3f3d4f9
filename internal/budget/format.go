package budget

import "strconv"

func formatDollars(v float64) string {
	return "$" + strconv.FormatFloat(v, 'f', 4, 64)
}

func formatCount(v int64) string {
	return strconv.FormatInt(v, 10)
}
