package keyvault

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const (
	composeTemplate    = "docker-compose.yml.tmpl"
	initScriptTemplate = "init-vault.sh.tmpl"
)

// assetData is the data every template is rendered with.
type assetData struct {
	ContainerName string
	Image         string
	Version       string
	Port          int
	WorkDir       string
	StartAttempts int
}

func (s Settings) assetData() assetData {
	return assetData{
		ContainerName: s.ContainerName,
		Image:         s.Image,
		Version:       s.Version,
		Port:          s.Port,
		WorkDir:       s.WorkDir,
		StartAttempts: s.StartAttempts,
	}
}

// renderAsset executes the named embedded template.
func renderAsset(name string, data assetData) ([]byte, error) {
	content, err := templatesFS.ReadFile("templates/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
