package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/loqalabs/orbit/internal/config"
	"gopkg.in/yaml.v3"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		printCfg   bool
		addr       string
		roomID     string
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "orbit.yaml", "Path to configuration file")
	validateCmd.BoolVar(&printCfg, "print", false, "Print the effective configuration")

	statusCmd := flag.NewFlagSet("status", flag.ExitOnError)
	statusCmd.StringVar(&addr, "addr", "http://localhost:8080", "orbitd control API address")
	statusCmd.StringVar(&roomID, "room", "", "Room id")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'status' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if printCfg {
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			if err := enc.Encode(redact(cfg)); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		}
		fmt.Println("config valid")
	case "status":
		statusCmd.Parse(os.Args[2:])
		if roomID == "" {
			fmt.Fprintln(os.Stderr, "-room is required")
			os.Exit(2)
		}
		if err := runStatus(addr, roomID); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// redact blanks credentials before printing.
func redact(cfg config.Config) config.Config {
	mask := func(s *string) {
		if *s != "" {
			*s = "****"
		}
	}
	mask(&cfg.Bus.Password)
	mask(&cfg.Bus.Token)
	mask(&cfg.Store.DSN)
	mask(&cfg.STT.APIKey)
	mask(&cfg.Translate.APIKey)
	mask(&cfg.TTS.APIKey)
	return cfg
}

func runStatus(addr, roomID string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	out := map[string]any{}
	for _, part := range []string{"status", "floor"} {
		resp, err := client.Get(fmt.Sprintf("%s/rooms/%s/%s", addr, url.PathEscape(roomID), part))
		if err != nil {
			return err
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: %s: %s", part, resp.Status, body)
		}
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return fmt.Errorf("decode %s: %w", part, err)
		}
		out[part] = v
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
