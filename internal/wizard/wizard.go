// Package wizard provides the interactive setup wizard for campuslink.
package wizard

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/identity"
	"github.com/campuslink/campuslink/internal/profile"
)

// Answers holds everything the wizard asks for. Run fills it from forms;
// Apply turns it into files.
type Answers struct {
	DataDir    string
	ConfigPath string

	Name         string
	Registration string
	Semester     string
	Hobbies      string // comma separated
	Quotes       string // one per line
	Timetable    string // one slot per line: "<day> <period> <t|l> <label>"

	Listen           string
	DiscoveryEnabled bool
	APIEnabled       bool
	APIAddress       string
	LogLevel         string
}

// DefaultAnswers returns the values the forms start from.
func DefaultAnswers() Answers {
	def := config.Default()
	return Answers{
		DataDir:          def.Node.DataDir,
		ConfigPath:       "./config.yaml",
		Semester:         "1",
		Listen:           def.Endpoint.Listen,
		DiscoveryEnabled: def.Discovery.Enabled,
		APIEnabled:       def.API.Enabled,
		APIAddress:       def.API.Address,
		LogLevel:         def.Node.LogLevel,
	}
}

// Result contains the wizard output.
type Result struct {
	Config      *config.Config
	ConfigPath  string
	ProfilePath string
	Profile     *profile.ShareData
	EndpointID  identity.EndpointID
	NewIdentity bool
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
	now   func() time.Time
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
		now:   time.Now,
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askProfile(&a); err != nil {
		return nil, err
	}
	if err := w.askTimetable(&a); err != nil {
		return nil, err
	}
	if err := w.askNetwork(&a); err != nil {
		return nil, err
	}

	res, err := w.Apply(a)
	if err != nil {
		return nil, err
	}

	w.printSummary(res)
	return res, nil
}

// Apply validates the answers, creates (or reuses) the identity key and
// writes the config and profile files.
func (w *Wizard) Apply(a Answers) (*Result, error) {
	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}
	sd, err := BuildProfile(a, w.now())
	if err != nil {
		return nil, err
	}

	kp, created, err := identity.LoadOrCreate(cfg.Node.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize identity: %w", err)
	}

	if err := config.Save(a.ConfigPath, cfg); err != nil {
		return nil, err
	}
	if err := profile.Save(cfg.ProfilePath(), sd); err != nil {
		return nil, err
	}

	return &Result{
		Config:      cfg,
		ConfigPath:  a.ConfigPath,
		ProfilePath: cfg.ProfilePath(),
		Profile:     sd,
		EndpointID:  kp.ID(),
		NewIdentity: created,
	}, nil
}

// BuildConfig builds and validates a node config from the answers.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()
	cfg.Node.DataDir = a.DataDir
	if a.LogLevel != "" {
		cfg.Node.LogLevel = a.LogLevel
	}
	if a.Listen != "" {
		cfg.Endpoint.Listen = a.Listen
	}
	cfg.Discovery.Enabled = a.DiscoveryEnabled
	cfg.API.Enabled = a.APIEnabled
	if a.APIAddress != "" {
		cfg.API.Address = a.APIAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BuildProfile builds and validates the local profile from the answers.
func BuildProfile(a Answers, now time.Time) (*profile.ShareData, error) {
	semester := 0
	if s := strings.TrimSpace(a.Semester); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("%w: semester %q is not a number", profile.ErrInvalid, s)
		}
		semester = n
	}

	slots, err := ParseSlots(a.Timetable)
	if err != nil {
		return nil, err
	}

	sd := &profile.ShareData{
		Name:         strings.TrimSpace(a.Name),
		Registration: strings.TrimSpace(a.Registration),
		Semester:     semester,
		Hobbies:      splitNonEmpty(a.Hobbies, ","),
		Quotes:       splitNonEmpty(a.Quotes, "\n"),
		Timestamp:    now.UTC().Format(time.RFC3339),
		Slots:        slots,
	}
	sd.Normalize()
	if err := sd.Validate(); err != nil {
		return nil, err
	}
	return sd.Clone(), nil
}

// ParseSlots parses timetable lines of the form "<day> <period> <kind> <label>".
// Blank lines and lines starting with # are skipped.
func ParseSlots(s string) ([]profile.Slot, error) {
	slots := []profile.Slot{}
	for i, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("%w: timetable line %d: want <day> <period> <t|l> <label>", profile.ErrInvalid, i+1)
		}
		day, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w: timetable line %d: day %q", profile.ErrInvalid, i+1, fields[0])
		}
		period, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("%w: timetable line %d: period %q", profile.ErrInvalid, i+1, fields[1])
		}
		slot := profile.Slot{
			Day:    day,
			Period: period,
			Kind:   fields[2],
			Label:  strings.Join(fields[3:], " "),
		}
		if err := slot.Validate(); err != nil {
			return nil, fmt.Errorf("timetable line %d: %w", i+1, err)
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

func splitNonEmpty(s, sep string) []string {
	out := []string{}
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
   ___                           _     _       _
  / __|__ _ _ __  _ __ _  _ ___ | |   (_)_ _  | |__
 | (__/ _' | '  \| '_ \ || (_-< | |__ | | ' \ | / /
  \___\__,_|_|_|_| .__/\_,_/__/ |____||_|_||_||_\_\
                 |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Local-network friend exchange - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where to keep your identity key and settings."),

			huh.NewInput().
				Title("Data Directory").
				Description("Identity key and profile live here").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askProfile(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Your Profile").
				Description("This is what friends receive when an exchange completes."),

			huh.NewInput().
				Title("Name").
				Value(&a.Name).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("name is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Registration Number").
				Value(&a.Registration),

			huh.NewInput().
				Title("Semester").
				Value(&a.Semester).
				Validate(func(s string) error {
					if n, err := strconv.Atoi(strings.TrimSpace(s)); err != nil || n < 0 {
						return fmt.Errorf("semester must be a non-negative number")
					}
					return nil
				}),

			huh.NewInput().
				Title("Hobbies").
				Description("Comma separated").
				Value(&a.Hobbies),

			huh.NewText().
				Title("Favourite Quotes").
				Description("One per line").
				Value(&a.Quotes),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askTimetable(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Timetable").
				Description(fmt.Sprintf(
					"One occupied slot per line: <day %d-%d> <period %d-%d> <t|l> <course>\n"+
						"t = theory, l = lab. Example: 1 3 t Linear Algebra",
					profile.MinDay, profile.MaxDay, profile.MinPeriod, profile.MaxPeriod)),

			huh.NewText().
				Title("Slots").
				Value(&a.Timetable).
				Validate(func(s string) error {
					_, err := ParseSlots(s)
					return err
				}),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askNetwork(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Network").
				Description("How this node is reached and controlled."),

			huh.NewInput().
				Title("Listen Address").
				Description("UDP address for the encrypted endpoint (port 0 picks one)").
				Value(&a.Listen).
				Validate(validateHostPort),

			huh.NewConfirm().
				Title("Enable LAN discovery?").
				Description("Announce this node and find others over mDNS").
				Value(&a.DiscoveryEnabled),

			huh.NewConfirm().
				Title("Enable local API?").
				Description("HTTP control surface and event stream for the CLI").
				Value(&a.APIEnabled),

			huh.NewInput().
				Title("API Address").
				Value(&a.APIAddress).
				Validate(validateHostPort),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("expected host:port")
	}
	return nil
}

func (w *Wizard) printSummary(res *Result) {
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

	fmt.Printf("  Endpoint ID:  %s\n", res.EndpointID.String())
	if !res.NewIdentity {
		fmt.Println("                (existing identity kept)")
	}
	fmt.Printf("  Config file:  %s\n", res.ConfigPath)
	fmt.Printf("  Profile:      %s\n", res.ProfilePath)
	fmt.Printf("  Slots:        %d\n", len(res.Profile.Slots))
	if res.Config.API.Enabled {
		fmt.Printf("  API:          http://%s\n", res.Config.API.Address)
	}

	fmt.Println()
	fmt.Println("  To start the node:")
	fmt.Printf("    campuslink run -c %s\n", res.ConfigPath)
	fmt.Println()
}
