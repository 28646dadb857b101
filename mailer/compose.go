package mailer

import (
	"fmt"
	"html"
	"strings"

	"github.com/zeroclaw/zeroclaw/store"
)

// ComposeApproval builds the approval-request email with its approve
// and reject buttons.
func ComposeApproval(task *store.Task, decisionID, approveURL, rejectURL, baseURL string) (subject, body string) {
	subject = fmt.Sprintf("[ZeroClaw] Approve task to start: %s", task.Title)

	var b strings.Builder
	b.WriteString("<h2>Approval needed</h2>\n")
	fmt.Fprintf(&b, "<p><b>Task:</b> %s (ID %d)</p>\n", html.EscapeString(task.Title), task.ID)
	fmt.Fprintf(&b, "<p>%s</p>\n", html.EscapeString(task.Description))
	b.WriteString("<p>\n")
	fmt.Fprintf(&b, `  <a href="%s" style="display:inline-block;padding:10px 14px;background:#16a34a;color:white;text-decoration:none;border-radius:6px;">Approve</a>`+"\n", approveURL)
	b.WriteString("  &nbsp;\n")
	fmt.Fprintf(&b, `  <a href="%s" style="display:inline-block;padding:10px 14px;background:#dc2626;color:white;text-decoration:none;border-radius:6px;">Reject</a>`+"\n", rejectURL)
	b.WriteString("</p>\n")
	fmt.Fprintf(&b, "<p>Decision ID: <code>%s</code></p>\n", html.EscapeString(decisionID))
	if baseURL != "" {
		fmt.Fprintf(&b, `<p>Task page: <a href="%s/tasks/%d">%s/tasks/%d</a></p>`+"\n", baseURL, task.ID, baseURL, task.ID)
	}
	return subject, b.String()
}

// ComposeSummary builds the periodic board-overview email: the latest
// tasks and any pending decisions.
func ComposeSummary(tasks []store.Task, pending []store.Decision, baseURL string) (subject, body string) {
	subject = "[ZeroClaw] Summary report"

	var rows strings.Builder
	for _, t := range tasks {
		due := ""
		if t.DueDate != nil {
			due = *t.DueDate
		}
		fmt.Fprintf(&rows, "<tr><td>%d</td><td>%s</td><td>%s</td><td>%s</td></tr>",
			t.ID, html.EscapeString(t.Title), t.Status, html.EscapeString(due))
	}

	var decs strings.Builder
	for _, d := range pending {
		fmt.Fprintf(&decs, "<li>%s - %s:%d - %s - %s</li>",
			html.EscapeString(d.DecisionID), d.EntityType, d.EntityID, d.Action, d.Status)
	}
	if decs.Len() == 0 {
		decs.WriteString("<li>None</li>")
	}

	var b strings.Builder
	b.WriteString("<h2>ZeroClaw Summary</h2>\n")
	if baseURL != "" {
		fmt.Fprintf(&b, `<p>Dashboard: <a href="%s/dashboard">%s/dashboard</a></p>`+"\n", baseURL, baseURL)
	}
	b.WriteString("<h3>Tasks (latest 50)</h3>\n")
	b.WriteString(`<table border="1" cellpadding="6" cellspacing="0">` + "\n")
	b.WriteString("<tr><th>ID</th><th>Title</th><th>Status</th><th>Due</th></tr>\n")
	b.WriteString(rows.String())
	b.WriteString("\n</table>\n")
	b.WriteString("<h3>Pending decisions</h3>\n")
	fmt.Fprintf(&b, "<ul>%s</ul>\n", decs.String())
	return subject, b.String()
}

// statusReportShowLimit caps how many completed tasks the report lists.
const statusReportShowLimit = 20

// statusReportResultLimit caps the per-task result excerpt.
const statusReportResultLimit = 2000

// ComposeStatusReport builds the milestone email sent when enough
// qualifying tasks have completed since the last report.
func ComposeStatusReport(qualifying []store.Task) (subject, body string) {
	subject = "[ZeroClaw] Summary report"

	shown := qualifying
	if len(shown) > statusReportShowLimit {
		shown = shown[len(shown)-statusReportShowLimit:]
	}

	var items strings.Builder
	for _, t := range shown {
		result := t.LastResult
		if len(result) > statusReportResultLimit {
			result = result[:statusReportResultLimit]
		}
		fmt.Fprintf(&items, "<li><b>#%d</b> %s<br><pre style='white-space:pre-wrap'>%s</pre></li>",
			t.ID, html.EscapeString(t.Title), html.EscapeString(result))
	}

	var b strings.Builder
	b.WriteString("<h2>ZeroClaw status report</h2>\n")
	fmt.Fprintf(&b, "<p>Completed qualifying tasks since last report: <b>%d</b></p>\n", len(qualifying))
	fmt.Fprintf(&b, "<p>Showing last %d:</p>\n", len(shown))
	fmt.Fprintf(&b, "<ol>%s</ol>\n", items.String())
	return subject, b.String()
}
