package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"instrumentq/internal/persistconf"
	"instrumentq/internal/registry"
)

// DummyDefaults seed the dummy driver configuration file.
var DummyDefaults = map[string]any{
	"speed of light":   3.0e8,
	"density of water": 1.0,
}

// Dummy is a driver with no hardware behind it, used for demos and tests.
type Dummy struct {
	*Base

	executed atomic.Int64

	mu       sync.Mutex
	pumpVol  float64
	lastLoad string
}

func NewDummy(name string, cfg *persistconf.Config) *Dummy {
	if name == "" {
		name = "DummyDriver"
	}
	d := &Dummy{Base: NewBase(name, cfg)}

	d.Queued().
		Register("test_command1", d.noop,
			registry.Doc("A test command with keyword parameters"),
			registry.Kwarg("kwarg1", nil), registry.Kwarg("kwarg2", true)).
		Register("test_command2", d.noop,
			registry.Doc("A test command with keyword parameters"),
			registry.Kwarg("kwarg1", false), registry.Kwarg("kwarg2", false), registry.Kwarg("kwarg3", true)).
		Register("sleep", d.sleep,
			registry.Doc("Block the queue for the given number of seconds."),
			registry.Kwarg("seconds", 1.0)).
		Register("fail", d.fail,
			registry.Doc("Always fails; exercises the pause-on-error path."),
			registry.Kwarg("message", "simulated failure")).
		Register("load_sample", d.loadSample,
			registry.Doc("Load a sample into a cell."),
			registry.Kwarg("cellname", "cell"), registry.Kwarg("sample_volume", 0.0),
			registry.Meta("qb", map[string]any{
				"button_text": "Load Sample",
				"params": map[string]any{
					"sample_volume": map[string]any{"label": "Sample Volume (mL)", "type": "float", "default": 0.3},
				},
			}))

	d.Unqueued().
		Register("how_many", d.howMany, registry.ExtraArgs()).
		Register("tasks_run", func(context.Context, registry.Args) (any, error) {
			return d.executed.Load(), nil
		}, registry.Doc("Number of queued tasks the driver has executed."), registry.Meta("render_hint", "raw")).
		Register("status_lines", func(context.Context, registry.Args) (any, error) {
			return d.Status(), nil
		}, registry.Doc("Status lines, one per subsystem."))

	pump := registry.New().
		Register("dispense", d.dispense, registry.Doc("Dispense volume (mL) from the pump."), registry.Arg("volume")).
		Register("withdraw", d.withdraw, registry.Doc("Withdraw volume (mL) into the pump."), registry.Arg("volume"))
	d.AddDevice("pump", pump)

	return d
}

func (d *Dummy) Status() []string {
	d.mu.Lock()
	vol := d.pumpVol
	d.mu.Unlock()
	return []string{
		"Pipettors: pipetting",
		"Pumps: pumping",
		"Selectors: selecting",
		"Neutrons: scattering",
		fmt.Sprintf("Pump volume: %.3f mL", vol),
	}
}

// LastLoaded reports the cell named by the most recent load_sample.
func (d *Dummy) LastLoaded() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastLoad
}

func (d *Dummy) noop(context.Context, registry.Args) (any, error) {
	d.executed.Add(1)
	return nil, nil
}

func (d *Dummy) sleep(ctx context.Context, args registry.Args) (any, error) {
	d.executed.Add(1)
	seconds, err := args.Float("seconds")
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(time.Duration(seconds * float64(time.Second))):
		return seconds, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dummy) fail(_ context.Context, args registry.Args) (any, error) {
	d.executed.Add(1)
	return nil, errors.New(args.String("message"))
}

func (d *Dummy) loadSample(_ context.Context, args registry.Args) (any, error) {
	d.executed.Add(1)
	vol, err := args.Float("sample_volume")
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.lastLoad = args.String("cellname")
	d.mu.Unlock()
	return map[string]any{"cellname": args.String("cellname"), "sample_volume": vol}, nil
}

func (d *Dummy) howMany(_ context.Context, args registry.Args) (any, error) {
	if _, ok := args["count"]; ok {
		return "Not sure, but probably something like " + args.String("count"), nil
	}
	return "Not sure", nil
}

func (d *Dummy) dispense(_ context.Context, args registry.Args) (any, error) {
	d.executed.Add(1)
	vol, err := args.Float("volume")
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if vol > d.pumpVol {
		return nil, fmt.Errorf("cannot dispense %.3f mL, pump holds %.3f mL", vol, d.pumpVol)
	}
	d.pumpVol -= vol
	return d.pumpVol, nil
}

func (d *Dummy) withdraw(_ context.Context, args registry.Args) (any, error) {
	d.executed.Add(1)
	vol, err := args.Float("volume")
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pumpVol += vol
	return d.pumpVol, nil
}
