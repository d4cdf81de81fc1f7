package registry

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"instrumentq/internal/domain"
)

func echo(_ context.Context, args Args) (any, error) { return map[string]any(args), nil }

func TestRegisterAndSpecs(t *testing.T) {
	r := New().
		Register("load", echo, Doc("  Load a sample.  "), Arg("cell"), Kwarg("volume", 0.3), Meta("qb", map[string]any{"button_text": "Load"})).
		Register("ping", echo)

	if got := r.Names(); !reflect.DeepEqual(got, []string{"load", "ping"}) {
		t.Fatalf("Names = %v", got)
	}

	spec, ok := r.Spec("load")
	if !ok {
		t.Fatal("load not registered")
	}
	if spec.Doc != "Load a sample." {
		t.Errorf("Doc = %q", spec.Doc)
	}
	if !reflect.DeepEqual(spec.Args, []string{"cell"}) {
		t.Errorf("Args = %v", spec.Args)
	}
	if len(spec.Kwargs) != 1 || spec.Kwargs[0].Name != "volume" || spec.Kwargs[0].Default != 0.3 {
		t.Errorf("Kwargs = %v", spec.Kwargs)
	}
	if _, ok := spec.Meta["qb"]; !ok {
		t.Errorf("Meta not passed through: %v", spec.Meta)
	}

	ping, _ := r.Spec("ping")
	if ping.Args == nil || ping.Kwargs == nil || len(ping.Args)+len(ping.Kwargs) != 0 {
		t.Errorf("zero-arg command spec = %+v", ping)
	}
}

func TestSpecWireFormat(t *testing.T) {
	r := New().Register("ping", echo).Register("mix", echo, Kwarg("speed", 2.0), Kwarg("label", nil))
	b, err := json.Marshal(r.Specs())
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var raw map[string]map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("Unmarshal raw: %v", err)
	}
	if args, ok := raw["ping"]["args"].([]any); !ok || len(args) != 0 {
		t.Fatalf("ping args = %#v, want empty list", raw["ping"]["args"])
	}
	kw := raw["mix"]["kwargs"].([]any)
	first := kw[0].([]any)
	if first[0] != "speed" || first[1] != 2.0 {
		t.Fatalf("kwargs pair = %#v", first)
	}

	var decoded map[string]domain.CommandSpec
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("Unmarshal specs: %v", err)
	}
	if decoded["mix"].Kwargs[1].Name != "label" || decoded["mix"].Kwargs[1].Default != nil {
		t.Fatalf("decoded kwargs = %+v", decoded["mix"].Kwargs)
	}
}

func TestDuplicateRegistrationKeepsFirst(t *testing.T) {
	first := func(context.Context, Args) (any, error) { return "first", nil }
	second := func(context.Context, Args) (any, error) { return "second", nil }
	r := New().Register("x", first, Doc("one")).Register("x", second, Doc("two"))

	got, err := r.Call(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "first" {
		t.Fatalf("Call = %v, want first", got)
	}
	if len(r.Names()) != 1 {
		t.Fatalf("Names = %v", r.Names())
	}
}

func TestBind(t *testing.T) {
	r := New().
		Register("load", echo, Arg("cell"), Kwarg("volume", 0.3)).
		Register("free", echo, ExtraArgs())

	tests := []struct {
		name    string
		command string
		args    map[string]any
		want    Args
		wantErr error
	}{
		{"defaults filled", "load", map[string]any{"cell": "c1"}, Args{"cell": "c1", "volume": 0.3}, nil},
		{"override", "load", map[string]any{"cell": "c1", "volume": 1.0}, Args{"cell": "c1", "volume": 1.0}, nil},
		{"missing positional", "load", map[string]any{}, nil, ErrMissingArgument},
		{"unexpected", "load", map[string]any{"cell": "c1", "color": "red"}, nil, ErrUnexpectedArgument},
		{"extra allowed", "free", map[string]any{"count": 3.0}, Args{"count": 3.0}, nil},
		{"unknown", "nope", nil, nil, ErrUnknownCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Bind(tt.command, tt.args)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Bind: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Bind = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSpecsAreCopies(t *testing.T) {
	r := New().Register("load", echo, Arg("cell"), Meta("hint", "raw"))
	specs := r.Specs()
	s := specs["load"]
	s.Args[0] = "mutated"
	s.Meta["hint"] = "mutated"

	again, _ := r.Spec("load")
	if again.Args[0] != "cell" || again.Meta["hint"] != "raw" {
		t.Fatalf("registry mutated through Specs: %+v", again)
	}
}

func TestArgsAccessors(t *testing.T) {
	a := Args{"n": 3.0, "s": "2.5", "b": "true", "flag": true, "name": "pump"}
	if n, err := a.Int("n"); err != nil || n != 3 {
		t.Errorf("Int = %d, %v", n, err)
	}
	if f, err := a.Float("s"); err != nil || f != 2.5 {
		t.Errorf("Float = %v, %v", f, err)
	}
	if b, err := a.Bool("b"); err != nil || !b {
		t.Errorf("Bool(b) = %v, %v", b, err)
	}
	if b, err := a.Bool("flag"); err != nil || !b {
		t.Errorf("Bool(flag) = %v, %v", b, err)
	}
	if a.String("name") != "pump" || a.String("missing") != "" {
		t.Errorf("String accessors wrong")
	}
	if _, err := a.Float("name"); err == nil {
		t.Error("Float(name) should fail")
	}
}
