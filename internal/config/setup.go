package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard asks for the player identity and the relay credentials on
// first run, then validates and saves the configuration.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	for {
		fmt.Fprintln(out, "gpgrelay first run setup")
		fmt.Fprintln(out)

		cfg.mu.Lock()
		fmt.Fprintln(out, "-- Player --")
		cfg.Identity.Username = promptString(reader, out, "Lobby username", cfg.Identity.Username)
		cfg.Identity.UserID = int32(promptInt(reader, out, "Lobby user id", int(cfg.Identity.UserID)))
		cfg.Identity.Session = promptString(reader, out, "Lobby session token", cfg.Identity.Session)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "-- Network --")
		cfg.Relay.GamePort = promptInt(reader, out, "Game UDP port", cfg.Relay.GamePort)
		cfg.Lobby.Address = promptString(reader, out, "Lobby server address", cfg.Lobby.Address)
		cfg.PortMap.Enabled = promptBool(reader, out, "Map the game port with NAT-PMP", cfg.PortMap.Enabled)

		fmt.Fprintln(out)
		fmt.Fprintln(out, "-- TURN relay --")
		cfg.Turn.Enabled = promptBool(reader, out, "Use a TURN relay", cfg.Turn.Enabled)
		if cfg.Turn.Enabled {
			cfg.Turn.Server = promptString(reader, out, "TURN server", cfg.Turn.Server)
			cfg.Turn.Username = promptString(reader, out, "TURN username", cfg.Turn.Username)
			cfg.Turn.Password = promptString(reader, out, "TURN password", cfg.Turn.Password)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "-- MQTT telemetry --")
		cfg.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.MQTT.Enabled)
		if cfg.MQTT.Enabled {
			cfg.MQTT.BrokerURL = promptString(reader, out, "MQTT broker host", cfg.MQTT.BrokerURL)
		}
		cfg.mu.Unlock()

		result := Validate(cfg)
		for _, w := range result.Warnings {
			log.Warn().Str("field", w.Field).Msg(w.Message)
		}
		if result.IsValid() {
			break
		}

		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		retry := promptString(reader, out, "Would you like to try again? (yes/no)", "yes")
		if strings.ToLower(retry) != "yes" {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration saved.")
	return nil
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
