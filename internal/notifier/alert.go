package notifier

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"
)

// Alert is a rendered operator email
type Alert struct {
	Subject   string
	HTMLBody  string
	PlainBody string
}

// AlertData is the template data of an alert
type AlertData struct {
	Title   string
	Summary string
	Details []Detail
	Action  string
}

// Detail is one labelled line of an alert
type Detail struct {
	Label string
	Value string
}

var alertTemplate = template.Must(template.New("alert").Parse(defaultTemplate))

// buildAlert renders data as an HTML and a plain text body
func buildAlert(subject string, data AlertData) (Alert, error) {
	var htmlBuf bytes.Buffer
	if err := alertTemplate.Execute(&htmlBuf, data); err != nil {
		return Alert{}, fmt.Errorf("failed to render template: %w", err)
	}

	return Alert{
		Subject:   subject,
		HTMLBody:  htmlBuf.String(),
		PlainBody: buildPlainText(data),
	}, nil
}

func authFailureAlert(platform string, cause error, at time.Time) (Alert, error) {
	return buildAlert(fmt.Sprintf("threadmirror: %s login failed", platform), AlertData{
		Title:   "Destination login failed",
		Summary: fmt.Sprintf("Posting to %s is paused until its credentials are fixed.", platform),
		Details: []Detail{
			{"Platform", platform},
			{"Error", cause.Error()},
			{"Time", at.UTC().Format(time.RFC3339)},
		},
		Action: "Update the credentials in config.toml or the environment. Posts that were not delivered are retried on the next cycle after that.",
	})
}

func testAlert(at time.Time) (Alert, error) {
	return buildAlert("threadmirror: test alert", AlertData{
		Title:   "Test alert",
		Summary: "Email alerts are configured correctly.",
		Details: []Detail{{"Time", at.UTC().Format(time.RFC3339)}},
	})
}

func buildPlainText(data AlertData) string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%s\n\n%s\n\n", data.Title, data.Summary)
	for _, d := range data.Details {
		fmt.Fprintf(&buf, "%s: %s\n", d.Label, d.Value)
	}
	if data.Action != "" {
		fmt.Fprintf(&buf, "\n%s\n", data.Action)
	}
	return buf.String()
}

const defaultTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px; background: #f5f5f5; }
        .container { background: white; border-radius: 8px; padding: 20px; }
        h1 { color: #d9534f; margin-bottom: 5px; }
        .summary { margin: 10px 0 20px; line-height: 1.4; }
        td { padding: 4px 12px 4px 0; vertical-align: top; }
        .label { color: #666; }
        code { word-break: break-all; }
        .action { margin-top: 20px; padding-top: 15px; border-top: 1px solid #eee; color: #333; }
        .footer { margin-top: 20px; color: #999; font-size: 12px; text-align: center; }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{.Title}}</h1>
        <div class="summary">{{.Summary}}</div>
        <table>
            {{range .Details}}
            <tr><td class="label">{{.Label}}</td><td><code>{{.Value}}</code></td></tr>
            {{end}}
        </table>
        {{if .Action}}<div class="action">{{.Action}}</div>{{end}}
        <div class="footer">Sent by threadmirror</div>
    </div>
</body>
</html>`
