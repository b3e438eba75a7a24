package batch

import (
	"strings"

	"github.com/Iron-Ham/armada/internal/collab"
)

var severityKeywords = []struct {
	severity collab.Severity
	words    []string
}{
	{collab.SeverityCritical, []string{"critical", "remote code execution", "rce", "sql injection", "authentication bypass"}},
	{collab.SeverityHigh, []string{"high", "vulnerability", "exploit", "exposed", "sensitive"}},
	{collab.SeverityMedium, []string{"medium", "misconfiguration", "weak", "outdated"}},
	{collab.SeverityLow, []string{"low", "information disclosure", "warning"}},
}

// ClassifySeverity grades free-form finding text by keyword. The most severe
// matching band wins; text with no keyword is informational.
func ClassifySeverity(text string) collab.Severity {
	lower := strings.ToLower(text)
	for _, band := range severityKeywords {
		for _, w := range band.words {
			if strings.Contains(lower, w) {
				return band.severity
			}
		}
	}
	return collab.SeverityInfo
}
