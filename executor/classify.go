package executor

import (
	"regexp"

	"github.com/zeroclaw/zeroclaw/health"
)

// Failure-signature patterns matched against combined stdout+stderr.
// Auth wins over daily, daily over rate: an expired session mentioning
// a limit is still an auth problem.
var (
	authPattern  = regexp.MustCompile(`(?i)unauthorized|login|session.?expired|auth|token`)
	dailyPattern = regexp.MustCompile(`(?i)daily.?limit|usage.?limit|limit.?reached|quota.?exceeded`)
	ratePattern  = regexp.MustCompile(`(?i)rate.?limit|too many requests|throttled|capacity|try again later`)
)

// classifyFailureOutput maps failure output onto a failure type, or ""
// when no signature matches.
func classifyFailureOutput(output string) string {
	switch {
	case authPattern.MatchString(output):
		return health.FailureAuth
	case dailyPattern.MatchString(output):
		return health.FailureDaily
	case ratePattern.MatchString(output):
		return health.FailureRateLimit
	default:
		return ""
	}
}

// classifyLimitOutput checks only for limit signatures. Used on exit=0
// output, where auth words in ordinary prose must not count as failure.
func classifyLimitOutput(output string) string {
	switch {
	case dailyPattern.MatchString(output):
		return health.FailureDaily
	case ratePattern.MatchString(output):
		return health.FailureRateLimit
	default:
		return ""
	}
}
