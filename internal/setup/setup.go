// Package setup provides agent installation helpers including sudoers configuration.
package setup

import (
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"

	"github.com/manchtools/githost-agent/internal/validate"
)

//go:embed sudoers.tmpl
var sudoersTmpl string

// SudoersDir is where drop-in files are installed.
var SudoersDir = "/etc/sudoers.d"

// SudoersData holds template data for rendering the sudoers file.
type SudoersData struct {
	// ServiceUser is the account the agent itself runs as.
	ServiceUser string `validate:"required,unixname"`
	// Account is the hosting account commands are run as.
	Account string `validate:"required,unixname"`
}

// RenderSudoers renders the sudoers drop-in for data.
func RenderSudoers(data SudoersData) (string, error) {
	if err := validate.Struct(data); err != nil {
		return "", err
	}

	tmpl, err := template.New("sudoers").Parse(sudoersTmpl)
	if err != nil {
		return "", fmt.Errorf("parse sudoers template: %w", err)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render sudoers template: %w", err)
	}
	return b.String(), nil
}

// SudoersPath returns the drop-in path for serviceUser.
func SudoersPath(serviceUser string) string {
	return fmt.Sprintf("%s/githost-%s", SudoersDir, serviceUser)
}

// InstallSudoers renders the embedded sudoers template and installs it to
// /etc/sudoers.d/githost-<service user>. The file is validated with visudo
// before installation. Must be run as root.
func InstallSudoers(data SudoersData) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must be run as root")
	}

	content, err := RenderSudoers(data)
	if err != nil {
		return err
	}

	dest := SudoersPath(data.ServiceUser)
	tmpFile := dest + ".tmp"

	if err := os.WriteFile(tmpFile, []byte(content), 0440); err != nil {
		return fmt.Errorf("create temp sudoers file: %w", err)
	}

	// Validate syntax with visudo
	if err := exec.Command("visudo", "-c", "-f", tmpFile).Run(); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("sudoers validation failed: %w", err)
	}

	// Atomically move into place
	if err := os.Rename(tmpFile, dest); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("install sudoers file: %w", err)
	}

	// Ensure correct ownership
	if err := exec.Command("chown", "root:root", dest).Run(); err != nil {
		return fmt.Errorf("set sudoers ownership: %w", err)
	}

	return nil
}
