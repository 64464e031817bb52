package trigger

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		enabled  bool
		criteria string
		text     string
		want     bool
		wantErr  bool
	}{
		{name: "all fires on any text", enabled: true, criteria: `{"kind":"all"}`, text: "anything", want: true},
		{name: "all fires on empty text", enabled: true, criteria: `{"kind":"all"}`, want: true},
		{name: "legacy all", enabled: true, criteria: `{"messageType":"all"}`, text: "hi", want: true},
		{name: "disabled never fires", enabled: false, criteria: `{"kind":"all"}`, text: "hi", want: false},
		{name: "disabled ignores bad criteria", enabled: false, criteria: `garbage`, want: false},
		{name: "keywords contains", enabled: true, criteria: `{"kind":"keywords","keywords":["price"]}`, text: "What's the PRICE?", want: true},
		{name: "keywords contains miss", enabled: true, criteria: `{"kind":"keywords","keywords":["price"]}`, text: "hello", want: false},
		{name: "keywords exact", enabled: true, criteria: `{"kind":"keywords","keywords":["info"],"match":"exact"}`, text: " Info ", want: true},
		{name: "keywords exact miss", enabled: true, criteria: `{"kind":"keywords","keywords":["info"],"match":"exact"}`, text: "more info", want: false},
		{name: "legacy keyword", enabled: true, criteria: `{"messageType":"keyword","keywords":["link"]}`, text: "send link", want: true},
		{name: "keywords never match empty text", enabled: true, criteria: `{"kind":"keywords","keywords":["x"]}`, want: false},
		{name: "absent", enabled: true, criteria: ``, wantErr: true},
		{name: "null", enabled: true, criteria: `null`, wantErr: true},
		{name: "malformed", enabled: true, criteria: `{"kind":`, wantErr: true},
		{name: "empty object", enabled: true, criteria: `{}`, wantErr: true},
		{name: "unknown kind", enabled: true, criteria: `{"kind":"regex"}`, wantErr: true},
		{name: "unknown legacy type", enabled: true, criteria: `{"messageType":"image"}`, wantErr: true},
		{name: "keywords missing list", enabled: true, criteria: `{"kind":"keywords"}`, wantErr: true},
		{name: "keywords blank entry", enabled: true, criteria: `{"kind":"keywords","keywords":[" "]}`, wantErr: true},
		{name: "keywords bad match", enabled: true, criteria: `{"kind":"keywords","keywords":["a"],"match":"fuzzy"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.enabled, json.RawMessage(tt.criteria), Input{Category: "messaging", Subtype: "message", Text: tt.text})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCriteria) {
					t.Fatalf("expected ErrInvalidCriteria, got %v", err)
				}
				if got {
					t.Fatal("invalid criteria must not fire")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestRegisterExtendsKinds(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	r.Register("subtype", func(raw json.RawMessage) (Predicate, error) {
		var p struct {
			Subtype string `json:"subtype"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return PredicateFunc(func(in Input) bool { return strings.EqualFold(in.Subtype, p.Subtype) }), nil
	})

	fired, err := r.Evaluate(true, json.RawMessage(`{"kind":"subtype","subtype":"comment"}`), Input{Subtype: "comment"})
	if err != nil || !fired {
		t.Fatalf("expected custom kind to fire, got %v %v", fired, err)
	}

	kinds := r.Kinds()
	if len(kinds) != 3 || kinds[0] != KindAll || kinds[1] != KindKeywords || kinds[2] != "subtype" {
		t.Fatalf("unexpected kinds %v", kinds)
	}

	if _, err := Default().Parse(json.RawMessage(`{"kind":"subtype"}`)); !errors.Is(err, ErrInvalidCriteria) {
		t.Fatalf("custom registry must not leak into default, got %v", err)
	}
}
