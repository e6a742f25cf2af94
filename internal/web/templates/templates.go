// Package templates renders the HTMX fragments the import screens swap in.
package templates

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/a-h/templ"

	"github.com/JonMunkholm/scah/internal/batch"
)

func esc(s string) string { return templ.EscapeString(s) }

// ErrorAlert is the dismissible error box shown above a form.
func ErrorAlert(message, action, code string) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		var b strings.Builder
		b.WriteString(`<div class="alert alert-error" role="alert">`)
		fmt.Fprintf(&b, `<p class="alert-message">%s</p>`, esc(message))
		if action != "" {
			fmt.Fprintf(&b, `<p class="alert-action">%s</p>`, esc(action))
		}
		fmt.Fprintf(&b, `<span class="alert-code">%s</span>`, esc(code))
		b.WriteString(`</div>`)
		_, err := io.WriteString(w, b.String())
		return err
	})
}

// ImportReport renders a preview or commit report: the counts and one
// table row per row that needs attention.
func ImportReport(rep *batch.Report) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		var b strings.Builder
		fmt.Fprintf(&b, `<section class="import-report" id="report-%s" data-mode="%s">`, esc(rep.BatchID), esc(string(rep.Mode)))
		fmt.Fprintf(&b, `<h3>%s</h3>`, esc(rep.Source))

		c := rep.Counts
		b.WriteString(`<dl class="counts">`)
		for _, kv := range []struct {
			label string
			n     int
		}{
			{"Rows", c.Rows},
			{"New guests", c.AcceptedNew},
			{"Known guests", c.AcceptedExisting},
			{"Errors", c.ValidationErrors},
			{"Conflicts", c.Conflicts},
			{"Committed", c.Committed},
			{"Skipped", c.Skipped},
		} {
			fmt.Fprintf(&b, `<dt>%s</dt><dd>%d</dd>`, kv.label, kv.n)
		}
		b.WriteString(`</dl>`)

		if rep.Cancelled {
			fmt.Fprintf(&b, `<p class="notice">Cancelled with %d rows pending.</p>`, c.Pending)
		}
		if rep.Error != "" {
			fmt.Fprintf(&b, `<p class="notice notice-error">%s</p>`, esc(rep.Error))
		}
		if len(rep.Missing) > 0 {
			names := make([]string, len(rep.Missing))
			for i, f := range rep.Missing {
				names[i] = esc(string(f))
			}
			fmt.Fprintf(&b, `<p class="notice">Unmapped required fields: %s</p>`, strings.Join(names, ", "))
		}

		failed := rep.Failed()
		if len(failed) > 0 {
			b.WriteString(`<table class="failed-rows"><thead><tr><th>Row</th><th>Status</th><th>Detail</th></tr></thead><tbody>`)
			for _, row := range failed {
				fmt.Fprintf(&b, `<tr data-index="%d"><td>%s</td><td>%s</td><td>%s</td></tr>`,
					row.Index, esc(row.Label()), esc(string(row.Status)), esc(rowDetail(row)))
			}
			b.WriteString(`</tbody></table>`)
		}
		b.WriteString(`</section>`)
		_, err := io.WriteString(w, b.String())
		return err
	})
}

func rowDetail(row batch.RowResult) string {
	if row.Conflict != nil {
		return row.Conflict.Error()
	}
	msgs := make([]string, len(row.Errors))
	for i, e := range row.Errors {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// ImportProgress is the progress bar polled while a commit runs.
func ImportProgress(p batch.Progress) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		pct := p.Percent()
		_, err := fmt.Fprintf(w,
			`<div class="progress" data-phase="%s"><div class="progress-bar" style="width: %d%%"></div>`+
				`<span>%s %d/%d (%d committed, %d skipped)</span></div>`,
			esc(string(p.Phase)), pct, esc(string(p.Phase)), p.Current, p.Total, p.Committed, p.Skipped)
		return err
	})
}
