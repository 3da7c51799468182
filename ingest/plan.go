package ingest

// pagePlan expands a target question count into the sequence of request
// sizes: full pages of pageSize plus one remainder page. The sizes always
// sum to target.
func pagePlan(target, pageSize int) []int {
	if target <= 0 || pageSize <= 0 {
		return nil
	}
	full := target / pageSize
	remainder := target % pageSize
	plan := make([]int, 0, full+1)
	for i := 0; i < full; i++ {
		plan = append(plan, pageSize)
	}
	if remainder > 0 {
		plan = append(plan, remainder)
	}
	return plan
}
