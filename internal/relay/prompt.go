package relay

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// Prompts holds the parsed system template and the two user-turn templates.
type Prompts struct {
	System      *template.Template
	ChatUser    *template.Template
	SummaryUser *template.Template
}

// promptFile is the YAML override format. Empty keys keep the built-in text.
type promptFile struct {
	System      string `yaml:"system"`
	ChatUser    string `yaml:"chat_user"`
	SummaryUser string `yaml:"summary_user"`
}

func DefaultPrompts() (*Prompts, error) {
	return buildPrompts(promptFile{})
}

// LoadPrompts reads a YAML prompts file over the built-in templates. An empty
// path returns the built-ins.
func LoadPrompts(path string) (*Prompts, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultPrompts()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var pf promptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse prompts file: %w", err)
	}
	return buildPrompts(pf)
}

func buildPrompts(pf promptFile) (*Prompts, error) {
	var (
		p   Prompts
		err error
	)
	if p.System, err = parsePrompt("system", pf.System); err != nil {
		return nil, err
	}
	if p.ChatUser, err = parsePrompt("chat_user", pf.ChatUser); err != nil {
		return nil, err
	}
	if p.SummaryUser, err = parsePrompt("summary_user", pf.SummaryUser); err != nil {
		return nil, err
	}
	return &p, nil
}

func parsePrompt(name, override string) (*template.Template, error) {
	text := override
	if strings.TrimSpace(text) == "" {
		data, err := promptFS.ReadFile("prompts/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("read built-in prompt %s: %w", name, err)
		}
		text = string(data)
	}
	t, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", name, err)
	}
	return t, nil
}

type promptMessage struct {
	Sender string
	Text   string
}

type promptProfile struct {
	Name string
	Info string
}

type systemData struct {
	Assistant string
	Profiles  []promptProfile
	Date      string
	Time      string
	Summary   string
	Messages  []promptMessage
}

type userData struct {
	Assistant string
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %s: %w", t.Name(), err)
	}
	return strings.TrimSpace(buf.String()), nil
}
