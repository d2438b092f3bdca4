package registry

import (
	"encoding/json"
	"testing"
)

type widget struct{ Size int }

func TestRegisterBuild(t *testing.T) {
	r := New[*widget]()
	r.Register("small", func(params json.RawMessage) (*widget, error) {
		return &widget{Size: 1}, nil
	})
	r.Register("sized", func(params json.RawMessage) (*widget, error) {
		var p struct {
			Size int `json:"size"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &widget{Size: p.Size}, nil
	})

	w, err := r.Build(Spec{Factory: "small"})
	if err != nil || w.Size != 1 {
		t.Fatalf("Build(small) = %+v, %v; want {1}, nil", w, err)
	}

	w, err = r.Build(Spec{Factory: "sized", Params: json.RawMessage(`{"size":42}`)})
	if err != nil || w.Size != 42 {
		t.Fatalf("Build(sized) = %+v, %v; want {42}, nil", w, err)
	}
}

func TestBuildUnknownFactory(t *testing.T) {
	r := New[*widget]()
	if _, err := r.Build(Spec{Factory: "missing"}); err == nil {
		t.Fatalf("Build(missing factory) err = nil; want error")
	}
}

func TestNames(t *testing.T) {
	r := New[*widget]()
	r.Register("a", func(json.RawMessage) (*widget, error) { return &widget{}, nil })
	r.Register("b", func(json.RawMessage) (*widget, error) { return &widget{}, nil })
	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("Names() = %v; want 2 entries", names)
	}
}

func TestEncodeDecodeSpecRoundTrip(t *testing.T) {
	spec := Spec{Factory: "linf_pgd", Params: json.RawMessage(`{"eps":8}`)}
	encoded, err := EncodeSpec(spec)
	if err != nil {
		t.Fatalf("EncodeSpec() err = %v", err)
	}
	decoded, err := DecodeSpec(encoded)
	if err != nil {
		t.Fatalf("DecodeSpec() err = %v", err)
	}
	if decoded.Factory != spec.Factory || string(decoded.Params) != string(spec.Params) {
		t.Fatalf("DecodeSpec() = %+v; want %+v", decoded, spec)
	}
}

func TestDecodeSpecMalformed(t *testing.T) {
	if _, err := DecodeSpec([]byte("not json")); err == nil {
		t.Fatalf("DecodeSpec(malformed) err = nil; want error")
	}
}
