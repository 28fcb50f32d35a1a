package main

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"

	"github.com/nasa-jpl/autoguide/backlash"
	"github.com/nasa-jpl/autoguide/calibration"
	"github.com/nasa-jpl/autoguide/clock"
	"github.com/nasa-jpl/autoguide/guideport"
	"github.com/nasa-jpl/autoguide/guider"
	"github.com/nasa-jpl/autoguide/imgrec"
	"github.com/nasa-jpl/autoguide/mathx"
	"github.com/nasa-jpl/autoguide/sim"
	"github.com/nasa-jpl/autoguide/store"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "guided.yml"
	k              = koanf.New(".")
)

// Recorder configures FITS recording of guide frames
type Recorder struct {
	Enabled bool   `koanf:"enabled" yaml:"Enabled"`
	Root    string `koanf:"root" yaml:"Root"`
	Prefix  string `koanf:"prefix" yaml:"Prefix"`
}

// Mount is the guide port connection
type Mount struct {
	// Type is sim or lx200
	Type string `koanf:"type" yaml:"Type"`

	// Addr is a serial device or host:port
	Addr string `koanf:"addr" yaml:"Addr"`

	// Serial connects over a serial port instead of TCP
	Serial bool `koanf:"serial" yaml:"Serial"`
}

// Simulation describes the simulated sky.  Frames always come from the
// simulator; with an lx200 mount the pulses are also sent to the mount.
type Simulation struct {
	// Model is the true mount response, six coefficients
	Model []float64 `koanf:"model" yaml:"Model"`

	StarX    float64 `koanf:"starx" yaml:"StarX"`
	StarY    float64 `koanf:"stary" yaml:"StarY"`
	Width    int     `koanf:"width" yaml:"Width"`
	Height   int     `koanf:"height" yaml:"Height"`
	Seeing   float64 `koanf:"seeing" yaml:"Seeing"`
	SlackRA  float64 `koanf:"slackra" yaml:"SlackRA"`
	SlackDEC float64 `koanf:"slackdec" yaml:"SlackDEC"`
	Seed     int64   `koanf:"seed" yaml:"Seed"`
}

type config struct {
	Guider     guider.Config `koanf:"guider" yaml:"Guider"`
	Mount      Mount         `koanf:"mount" yaml:"Mount"`
	Simulation Simulation    `koanf:"simulation" yaml:"Simulation"`
	Database   string        `koanf:"database" yaml:"Database"`
	Recorder   Recorder      `koanf:"recorder" yaml:"Recorder"`
}

func setupconfig() {
	gc := guider.DefaultConfig()
	gc.Star = mathx.Point{X: 320, Y: 240}
	k.Load(structs.Provider(config{
		Guider: gc,
		Mount:  Mount{Type: "sim"},
		Simulation: Simulation{
			Model:  []float64{2, 0.1, 0.02, -0.1, 1.5, -0.01},
			StarX:  320.4,
			StarY:  240.7,
			Width:  640,
			Height: 480,
			Seeing: 0.1,
			Seed:   1,
		},
		Database: "guided.db",
		Recorder: Recorder{Root: "guide-frames", Prefix: "guide"},
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `guided closes the loop between a guide camera and a telescope mount

Usage:
	guided <command>

Commands:
	run
	calibrate
	backlash [ra|dec]
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `guided is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

run guides until interrupted (ctrl-c).  If the database holds a calibration it is
used, otherwise guided calibrates first.

calibrate moves the mount over a 3x3 grid and fits a new calibration, which is
stored in the database.

backlash pulses one axis back and forth and reports the slack it sees.

Mount.Type is sim or lx200.  Frames always come from the simulator; with lx200
every pulse is also sent to the mount at Mount.Addr, which is a serial device
when Mount.Serial is true and a host:port otherwise.

Guider.Filter is none, gain or kalman.  Guider.Mode is pulse or duty.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("guided version %v\n", Version)
}

// tee activates every device in turn
type tee []guideport.Device

func (t tee) Activate(cmd guideport.Command) error {
	for _, d := range t {
		if err := d.Activate(cmd); err != nil {
			return err
		}
	}
	return nil
}

// session is everything a command needs
type session struct {
	g  *guider.Guider
	db *store.Store
}

func setup(cfg config) (*session, error) {
	s := cfg.Simulation
	var model calibration.Model
	copy(model.A[:], s.Model)
	sky := sim.NewSky(clock.Real{}, model, mathx.Point{X: s.StarX, Y: s.StarY}, s.Seed)
	sky.Seeing = s.Seeing
	sky.Backlash = mathx.Point{X: s.SlackRA, Y: s.SlackDEC}
	cam := sim.NewCamera(sky)
	if s.Width > 0 && s.Height > 0 {
		cam.Width, cam.Height = s.Width, s.Height
	}

	var dev guideport.Device = sim.NewGuidePort(sky)
	switch strings.ToLower(cfg.Mount.Type) {
	case "", "sim":
	case "lx200":
		log.Printf("sending pulses to LX200 mount at %s\n", cfg.Mount.Addr)
		dev = tee{dev, guideport.NewLX200(cfg.Mount.Addr, cfg.Mount.Serial)}
	default:
		return nil, fmt.Errorf("unknown mount type %q", cfg.Mount.Type)
	}

	g, err := guider.New(cam, guideport.NewActuator(dev, clock.Real{}), cfg.Guider)
	if err != nil {
		return nil, err
	}
	out := &session{g: g}
	if cfg.Database != "" {
		db, err := store.Open(cfg.Database)
		if err != nil {
			return nil, err
		}
		g.SetStore(db)
		out.db = db
	}
	if cfg.Recorder.Enabled {
		g.SetFrameSink(&imgrec.Recorder{Root: cfg.Recorder.Root, Prefix: cfg.Recorder.Prefix})
	}
	return out, nil
}

func (s *session) Close() {
	if s.db != nil {
		s.db.Close()
	}
}

// stopOnSignal stops the guider on ctrl-c
func stopOnSignal(g *guider.Guider) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case <-ch:
			log.Println("stopping")
			g.Stop()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}

func spinner(suffix string) *yacspin.Spinner {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		log.Fatal(err)
	}
	return s
}

// wait spins until the guider leaves state, reporting msg on every poll
func wait(g *guider.Guider, state guider.State, suffix string, msg func() string) error {
	sp := spinner(suffix)
	sp.Start()
	for g.State() == state {
		sp.Message(msg())
		g.Wait(250 * time.Millisecond)
	}
	if err := g.Err(); err != nil && g.State() == guider.Failed {
		sp.StopFailMessage(err.Error())
		sp.StopFail()
		return err
	}
	sp.Stop()
	return nil
}

func calibrate(g *guider.Guider) error {
	if err := g.StartCalibration(); err != nil {
		return err
	}
	err := wait(g, guider.Calibrating, "calibrating", func() string {
		return fmt.Sprintf("%3.0f%%", 100*g.Progress())
	})
	if err != nil {
		return err
	}
	c, ok := g.Calibration()
	if !ok {
		return errors.New("calibration aborted")
	}
	log.Printf("calibration %d: %v quality %.3f\n", c.ID, c.Model, c.Model.Quality())
	return nil
}

func runCalibrate() {
	cfg := config{}
	k.Unmarshal("", &cfg)
	s, err := setup(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	defer stopOnSignal(s.g)()
	if err := calibrate(s.g); err != nil {
		log.Fatal(err)
	}
}

func runBacklash(axis string) {
	cfg := config{}
	k.Unmarshal("", &cfg)
	dir, err := backlash.ParseDirection(axis)
	if err != nil {
		log.Fatal(err)
	}
	s, err := setup(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	defer stopOnSignal(s.g)()
	g := s.g
	if err := g.StartBacklash(dir); err != nil {
		log.Fatal(err)
	}
	err = wait(g, guider.BacklashTesting, "backlash "+dir.String(), func() string {
		if r, ok := g.BacklashResult(); ok {
			f, b := r.Slack()
			return fmt.Sprintf("slack %.2f / %.2f px", f, b)
		}
		return "collecting"
	})
	if err != nil {
		log.Fatal(err)
	}
	r, ok := g.BacklashResult()
	if !ok {
		log.Fatal("not enough points for a result")
	}
	log.Println(r)
}

func run() {
	cfg := config{}
	k.Unmarshal("", &cfg)
	s, err := setup(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer s.Close()
	defer stopOnSignal(s.g)()
	g := s.g

	var have bool
	if s.db != nil {
		c, err := s.db.LatestCalibration()
		switch {
		case err == nil:
			log.Printf("using calibration %d from %v\n", c.ID, c.When.Local())
			if err := g.UseCalibration(c); err != nil {
				log.Fatal(err)
			}
			// rescales the stored model if it was taken at another guide rate
			if err := g.SetConfig(cfg.Guider); err != nil {
				log.Fatal(err)
			}
			have = true
		case errors.Is(err, store.ErrNotFound):
		default:
			log.Fatal(err)
		}
	}
	if !have {
		if err := calibrate(g); err != nil {
			log.Fatal(err)
		}
	}

	g.AddObserver(guider.ObserverFunc(func(e guider.Event) error {
		if p, ok := e.(guider.TrackingPointObserved); ok {
			log.Println(p.Point)
		}
		return nil
	}))
	if err := g.StartGuiding(); err != nil {
		log.Fatal(err)
	}
	log.Println("guiding, ctrl-c to stop")
	for !g.Wait(time.Minute) {
		log.Printf("state %v\n", g.State())
	}
	if g.State() == guider.Failed {
		log.Fatal(g.Err())
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "calibrate":
		runCalibrate()
		return
	case "backlash":
		axis := "ra"
		if len(args) > 2 {
			axis = args[2]
		}
		runBacklash(axis)
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
