package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
}

// NewWizard creates a new configuration wizard
func NewWizard() *Wizard {
	return &Wizard{
		reader: bufio.NewReader(os.Stdin),
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	fmt.Println("=== Benteng Configuration Wizard ===")
	fmt.Println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Data directory
	fmt.Printf("Data directory (press Enter for ~/.benteng): ")
	dataDir, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	// Signature policy
	fmt.Println()
	fmt.Println("Security:")
	required, err := w.readYesNo("Require signed plugins?", true)
	if err != nil {
		return nil, err
	}
	cfg.Security.SignatureRequired = required

	if required {
		fmt.Print("Trusted keys directory (press Enter for <data_dir>/keys): ")
		keysDir, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if keysDir != "" {
			cfg.Security.TrustedKeysDir = keysDir
		}
	}

	// Hot reload
	fmt.Println()
	hotReload, err := w.readYesNo("Enable hot reload?", true)
	if err != nil {
		return nil, err
	}
	cfg.HotReload.Enabled = hotReload

	// Gateway
	fmt.Println()
	gateway, err := w.readYesNo("Enable the HTTP gateway?", false)
	if err != nil {
		return nil, err
	}
	cfg.Gateway.Enabled = gateway

	if gateway {
		for {
			fmt.Print("Gateway auth token (min 16 characters): ")
			token, err := w.readLine()
			if err != nil {
				return nil, err
			}

			if err := validator.ValidateAuthToken(token); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}

			cfg.Gateway.AuthToken = token
			break
		}

		fmt.Printf("Gateway port (press Enter for %d): ", cfg.Gateway.Port)
		port, err := w.readInt(cfg.Gateway.Port)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidatePort(port, "gateway.port"); err != nil {
			return nil, err
		}
		cfg.Gateway.Port = port
	}

	// Audit sweep
	fmt.Println()
	audit, err := w.readYesNo("Enable the periodic integrity audit?", true)
	if err != nil {
		return nil, err
	}
	cfg.Audit.Enabled = audit

	if audit {
		for {
			fmt.Printf("Audit schedule (press Enter for %q): ", cfg.Audit.Schedule)
			schedule, err := w.readLine()
			if err != nil {
				return nil, err
			}

			if schedule == "" {
				break
			}

			if err := validator.ValidateSchedule(schedule); err != nil {
				fmt.Printf("Error: %v\n", err)
				continue
			}

			cfg.Audit.Schedule = schedule
			break
		}
	}

	fmt.Println()
	fmt.Println("Configuration complete.")

	return cfg, nil
}

// readLine reads a trimmed line from the reader
func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readYesNo prompts for a yes/no answer with a default
func (w *Wizard) readYesNo(prompt string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}

	for {
		fmt.Printf("%s (%s): ", prompt, hint)
		line, err := w.readLine()
		if err != nil {
			return false, err
		}

		switch strings.ToLower(line) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		default:
			fmt.Println("Please answer y or n.")
		}
	}
}

// readInt reads an integer, returning the default on empty input
func (w *Wizard) readInt(def int) (int, error) {
	line, err := w.readLine()
	if err != nil {
		return 0, err
	}
	if line == "" {
		return def, nil
	}

	var value int
	if _, err := fmt.Sscanf(line, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid number %q", line)
	}
	return value, nil
}
