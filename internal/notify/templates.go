package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

const (
	ConfirmationSubject  = "Confirm your email"
	PasswordResetSubject = "Password reset code"
)

var confirmationTmpl = template.Must(template.New("confirm").Parse(`<html><body>
<p>Hello {{.Name}},</p>
<p>Your email confirmation code is <strong>{{.Code}}</strong>.</p>
<p>The code expires in {{.ValidFor}}. If you did not create an account, ignore this message.</p>
</body></html>`))

var passwordResetTmpl = template.Must(template.New("reset").Parse(`<html><body>
<p>Hello {{.Name}},</p>
<p>Use <strong>{{.Code}}</strong> to reset your password.</p>
<p>The code expires in {{.ValidFor}}. If you did not ask for a reset, your password stays unchanged.</p>
</body></html>`))

type CodeMessage struct {
	Name     string
	Code     string
	ValidFor string
}

func ConfirmationBody(msg CodeMessage) (string, error) {
	return render(confirmationTmpl, msg)
}

func PasswordResetBody(msg CodeMessage) (string, error) {
	return render(passwordResetTmpl, msg)
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}
