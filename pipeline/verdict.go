package pipeline

import "strings"

// Verdict values recorded in the executor log.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// ParseVerdict extracts PASS or FAIL from a reviewer's output.
// FAIL when the output carries a JSON-ish "verdict" field mentioning
// fail, or the trimmed output starts with "fail", or any line starts
// with "fail". Anything else is a PASS.
func ParseVerdict(output string) string {
	lower := strings.ToLower(output)
	if strings.Contains(lower, `"verdict"`) && strings.Contains(lower, "fail") {
		return VerdictFail
	}
	trimmed := strings.TrimSpace(lower)
	if strings.HasPrefix(trimmed, "fail") {
		return VerdictFail
	}
	if strings.Contains(lower, "\nfail") {
		return VerdictFail
	}
	return VerdictPass
}
