// Package wizard provides an interactive setup wizard for udpactor.
package wizard

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udpactor/internal/config"
)

// maxSockets bounds how many sockets the wizard asks about.
const maxSockets = 16

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds everything the wizard asks for.
type Answers struct {
	Sockets       []config.SocketConfig
	SharedBus     bool
	BusCapacity   int
	LogLevel      string
	LogFormat     string
	HealthEnabled bool
	HealthAddress string
}

// DefaultConfigPath is the file the wizard offers when none is given.
const DefaultConfigPath = "./config.yaml"

// Options preset the wizard.
type Options struct {
	// ConfigPath is the initial answer for the config file path.
	ConfigPath string
	// Force allows overwriting an existing config file.
	Force bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme      *huh.Theme
	configPath string
	force      bool
}

// New creates a new setup wizard.
func New() *Wizard {
	return NewWithOptions(Options{})
}

// NewWithOptions creates a setup wizard with preset answers.
func NewWithOptions(opts Options) *Wizard {
	path := opts.ConfigPath
	if path == "" {
		path = DefaultConfigPath
	}
	return &Wizard{
		theme:      huh.ThemeDracula(),
		configPath: path,
		force:      opts.Force,
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	sockets, err := w.askSockets()
	if err != nil {
		return nil, err
	}

	shared, capacity, err := w.askBusOptions()
	if err != nil {
		return nil, err
	}

	answers, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}
	answers.Sockets = sockets
	answers.SharedBus = shared
	answers.BusCapacity = capacity

	cfg, err := BuildConfig(answers)
	if err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
            _                 _
  _   _  __| |_ __   __ _  ___| |_ ___  _ __
 | | | |/ _' | '_ \ / _' |/ __| __/ _ \| '__|
 | |_| | (_| | |_) | (_| | (__| || (_) | |
  \__,_|\__,_| .__/ \__,_|\___|\__\___/|_|
             |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP Socket Actor - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (configPath string, err error) {
	configPath = w.configPath

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Choose where the configuration file is written."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder(DefaultConfigPath).
				Value(&configPath).
				Validate(w.validatePath),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askSockets() ([]config.SocketConfig, error) {
	var sockets []config.SocketConfig

	for len(sockets) < maxSockets {
		sc, err := w.askSingleSocket(len(sockets) + 1)
		if err != nil {
			return nil, err
		}
		sockets = append(sockets, sc)

		addMore := false
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another socket?").
					Value(&addMore),
			),
		).WithTheme(w.theme)
		if err := form.Run(); err != nil {
			return nil, err
		}
		if !addMore {
			break
		}
	}

	return sockets, nil
}

func (w *Wizard) askSingleSocket(num int) (config.SocketConfig, error) {
	sc := config.DefaultSocket()
	queueSize := strconv.Itoa(sc.QueueSize)
	sendRate := "0"
	multicast := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title(fmt.Sprintf("Socket %d", num)).
				Description("Sockets bind with address and port reuse enabled."),

			huh.NewInput().
				Title("Local Address").
				Description("host:port to bind, port 0 picks a free port").
				Placeholder(sc.Address).
				Value(&sc.Address).
				Validate(validateAddress),

			huh.NewInput().
				Title("Remote Address").
				Description("Optional fixed peer; leave empty to send anywhere").
				Value(&sc.Remote).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					return validateAddress(s)
				}),

			huh.NewInput().
				Title("Outbound Queue Size").
				Value(&queueSize).
				Validate(validatePositiveInt),

			huh.NewInput().
				Title("Read Buffer").
				Description("Largest datagram accepted, e.g. 16 KiB").
				Value(&sc.ReadBuffer).
				Validate(validateSize),

			huh.NewInput().
				Title("Send Rate").
				Description("Datagrams per second, 0 for unlimited").
				Value(&sendRate).
				Validate(validateRate),

			huh.NewInput().
				Title("Multicast Group").
				Description("Optional group to join, e.g. 239.1.2.3").
				Value(&multicast),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return sc, err
	}

	sc.QueueSize, _ = strconv.Atoi(queueSize)
	sc.SendRate, _ = strconv.ParseFloat(sendRate, 64)
	sc.Multicast.Group = strings.TrimSpace(multicast)

	return sc, nil
}

func (w *Wizard) askBusOptions() (shared bool, capacity int, err error) {
	shared = true
	capacityStr := "32"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Event Bus").
				Description("Events from sockets are broadcast to subscribers.\nSlow subscribers skip the oldest events."),

			huh.NewConfirm().
				Title("Share one bus between all sockets?").
				Value(&shared),

			huh.NewInput().
				Title("Bus Capacity").
				Description("Events retained per subscriber backlog").
				Value(&capacityStr).
				Validate(validatePositiveInt),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	capacity, _ = strconv.Atoi(capacityStr)
	return
}

func (w *Wizard) askAdvancedOptions() (Answers, error) {
	answers := Answers{
		LogLevel:      "info",
		LogFormat:     "text",
		HealthAddress: ":8080",
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (every datagram)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&answers.LogLevel),

			huh.NewSelect[string]().
				Title("Log Format").
				Options(
					huh.NewOption("Text", "text"),
					huh.NewOption("JSON", "json"),
				).
				Value(&answers.LogFormat),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&answers.HealthEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return answers, err
	}

	if answers.HealthEnabled {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Health Address").
					Value(&answers.HealthAddress).
					Validate(func(s string) error {
						_, _, err := net.SplitHostPort(s)
						return err
					}),
			),
		).WithTheme(w.theme)
		if err := form.Run(); err != nil {
			return answers, err
		}
	}

	return answers, nil
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	if a.LogLevel != "" {
		cfg.Log.Level = a.LogLevel
	}
	if a.LogFormat != "" {
		cfg.Log.Format = a.LogFormat
	}

	cfg.Bus.Shared = a.SharedBus
	if a.BusCapacity > 0 {
		cfg.Bus.Capacity = a.BusCapacity
	}

	if len(a.Sockets) > 0 {
		cfg.Sockets = a.Sockets
	}

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled && a.HealthAddress != "" {
		cfg.Health.Address = a.HealthAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# udpactor configuration
# Generated by setup wizard
# Values may reference environment variables as ${VAR} or ${VAR:-default}

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Event bus:    %s, capacity %d\n", busMode(cfg.Bus.Shared), cfg.Bus.Capacity)
	fmt.Println()

	for _, sc := range cfg.Sockets {
		line := fmt.Sprintf("  Socket:       udp://%s (read buffer %s)", sc.Address, sc.ReadBuffer)
		if sc.Remote != "" {
			line += " -> " + sc.Remote
		}
		fmt.Println(line)
	}

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the agent:")
	fmt.Printf("    udpactor run -c %s\n", configPath)
	fmt.Println()
}

func busMode(shared bool) string {
	if shared {
		return "shared"
	}
	return "per socket"
}

// CheckTarget refuses to overwrite an existing file unless force is set.
func CheckTarget(path string, force bool) error {
	if force {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	return nil
}

func (w *Wizard) validatePath(s string) error {
	if err := validateConfigPath(s); err != nil {
		return err
	}
	return CheckTarget(s, w.force)
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func validateAddress(s string) error {
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("expected host:port: %w", err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

func validateSize(s string) error {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid size: %w", err)
	}
	if n == 0 || n > 64*1024 {
		return fmt.Errorf("must be between 1 B and 64 KiB")
	}
	return nil
}

func validateRate(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return fmt.Errorf("must be zero or a positive number")
	}
	return nil
}
