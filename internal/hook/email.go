package hook

import (
	"bytes"
	"fmt"
	"html/template"
	"sync"

	appweb "finances/web"
)

// Email is a rendered message ready for delivery.
type Email struct {
	To      string
	Subject string
	HTML    string
}

var subjects = map[Language]string{
	English:  "Confirm your email address",
	Albanian: "Konfirmoni adresën tuaj të emailit",
}

var (
	templatesOnce sync.Once
	templates     *template.Template
	templatesErr  error
)

func loadTemplates() (*template.Template, error) {
	templatesOnce.Do(func() {
		templates, templatesErr = template.ParseFS(appweb.TemplatesFS, "templates/email_*.html")
	})
	return templates, templatesErr
}

// BuildEmail renders the confirmation email for to in lang.
func BuildEmail(lang Language, confirmationURL, to string) (Email, error) {
	if lang != Albanian {
		lang = English
	}
	t, err := loadTemplates()
	if err != nil {
		return Email{}, fmt.Errorf("parse email templates: %w", err)
	}

	var buf bytes.Buffer
	data := struct {
		Email string
		URL   string
	}{Email: to, URL: confirmationURL}
	if err := t.ExecuteTemplate(&buf, "email_confirm_"+string(lang)+".html", data); err != nil {
		return Email{}, fmt.Errorf("render %s email: %w", lang, err)
	}
	return Email{To: to, Subject: subjects[lang], HTML: buf.String()}, nil
}
