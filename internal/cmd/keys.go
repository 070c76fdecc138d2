// Package cmd provides CLI command implementations for nostrmeet.
package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"golang.org/x/term"

	"github.com/nostrmeet/nostrmeet/internal/config"
	"github.com/nostrmeet/nostrmeet/internal/identity"
)

var (
	labelStyle  = lipgloss.NewStyle().Bold(true).Width(8)
	dimStyle    = lipgloss.NewStyle().Faint(true)
	secretStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

// KeyInfo is what the keys commands print.
type KeyInfo struct {
	PubKey string `json:"pubkey"`
	NPub   string `json:"npub"`
	NSec   string `json:"nsec,omitempty"`
	// EnvFile is set when the secret was saved.
	EnvFile string `json:"env_file,omitempty"`
}

// KeyOptions controls how keys commands report and persist a key.
type KeyOptions struct {
	JSON bool
	// ShowSecret prints the nsec. Off by default.
	ShowSecret bool
	// EnvFile, when set, receives NOSTRMEET_SECRET_KEY.
	EnvFile string
}

// GenerateKeys creates a fresh identity.
func GenerateKeys(w io.Writer, opts KeyOptions) error {
	k, err := identity.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	return reportKey(w, k, opts)
}

// ImportKey reads a hex or nsec secret from in. When in is a terminal the
// secret is read without echo.
func ImportKey(w io.Writer, in *os.File, opts KeyOptions) error {
	secret, err := readSecret(w, in)
	if err != nil {
		return err
	}
	k, err := identity.ParseSecret(secret)
	if err != nil {
		return err
	}
	return reportKey(w, k, opts)
}

// ShowKey prints the public identity for the configured secret.
func ShowKey(w io.Writer, cfg *config.Config, jsonOutput bool) error {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return fmt.Errorf("no secret key configured; set %s or secret-key", config.EnvSecretKey)
	}
	k, err := identity.ParseSecret(cfg.SecretKey)
	if err != nil {
		return err
	}
	return reportKey(w, k, KeyOptions{JSON: jsonOutput})
}

func readSecret(w io.Writer, in *os.File) (string, error) {
	fd := int(in.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(w, "Secret key (hex or nsec): ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(w)
		if err != nil {
			return "", fmt.Errorf("failed to read secret: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return readSecretLine(in)
}

func readSecretLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", fmt.Errorf("no secret key given")
	}
	return line, nil
}

func reportKey(w io.Writer, k *identity.KeySigner, opts KeyOptions) error {
	info := KeyInfo{PubKey: k.PublicKey(), NPub: k.NPub()}
	if opts.ShowSecret {
		info.NSec = k.NSec()
	}
	if opts.EnvFile != "" {
		if err := saveSecret(opts.EnvFile, k.NSec()); err != nil {
			return err
		}
		info.EnvFile = opts.EnvFile
	}

	if opts.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, labelStyle.Render("npub:")+info.NPub)
	fmt.Fprintln(w, labelStyle.Render("pubkey:")+dimStyle.Render(info.PubKey))
	if info.NSec != "" {
		fmt.Fprintln(w, labelStyle.Render("nsec:")+secretStyle.Render(info.NSec))
	}
	if info.EnvFile != "" {
		fmt.Fprintln(w, okStyle.Render(fmt.Sprintf("✓ saved %s to %s", config.EnvSecretKey, info.EnvFile)))
	}
	return nil
}

// saveSecret upserts NOSTRMEET_SECRET_KEY in a .env file, keeping other keys.
func saveSecret(path, nsec string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		env = map[string]string{}
	}
	env[config.EnvSecretKey] = nsec
	if err = godotenv.Write(env, path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Chmod(path, 0o600)
}
