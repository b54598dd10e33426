package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/foreman/internal/tui/watch"
)

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	apiURL := fs.String("api-url", "", "Dispatcher API URL (default: derived from api.listen)")
	rest, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(rest) > 0 {
		fmt.Fprintln(os.Stderr, "Usage: foreman watch [--api-url URL]")
		return exitUsage
	}

	url := *apiURL
	if url == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			return fail("Failed to load config: %v", err)
		}
		if !cfg.API.Enabled {
			return fail("The API is disabled; set api.enabled or pass --api-url")
		}
		url = listenURL(cfg.API.Listen)
	}

	p := tea.NewProgram(watch.New(url))
	if _, err := p.Run(); err != nil {
		return fail("TUI error: %v", err)
	}
	return exitOK
}

// listenURL turns a listen address into a URL a local client can dial.
func listenURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return strings.TrimRight(listen, "/")
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
