// Package ranking generates the anonymous participant labels used to hide
// real model identifiers from evaluators, and parses an evaluator's
// free-text critique back into an ordered list of those labels.
package ranking

// Labels returns the first k labels of the sequence A, B, ..., Z, AA, AB,
// ..., AZ, BA, ..., ZZ, AAA, ... — the spreadsheet-column convention,
// generalized beyond a single letter so a panel larger than 26 still gets
// unique labels. k=0 returns an empty, non-nil slice.
func Labels(k int) []string {
	out := make([]string, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, label(i))
	}
	return out
}

// label returns the spreadsheet-style label for zero-based index n:
// 0->A, 1->B, ..., 25->Z, 26->AA, 27->AB, ...
func label(n int) string {
	var buf []byte
	for {
		buf = append([]byte{byte('A' + n%26)}, buf...)
		n = n/26 - 1
		if n < 0 {
			break
		}
	}
	return string(buf)
}
