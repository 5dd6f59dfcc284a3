package porch

import (
	"reflect"
	"testing"
)

func TestEnvSetupEncodeDecodeRoundTrip(t *testing.T) {
	e := EnvSetup{
		Clear: true,
		Set:   []string{"A=1", "B=2"},
		Unset: []string{"C"},
	}
	payload := e.encode()
	got, err := decodeEnvSetup(payload)
	if err != nil {
		t.Fatalf("decodeEnvSetup: %v", err)
	}
	if got.Clear != e.Clear || !reflect.DeepEqual(got.Set, e.Set) || !reflect.DeepEqual(got.Unset, e.Unset) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestEnvSetupApplyWithoutClear(t *testing.T) {
	base := []string{"A=1", "B=2", "C=3"}
	e := EnvSetup{Set: []string{"A=10"}, Unset: []string{"B"}}
	got := e.apply(base)
	want := map[string]string{"A": "10", "C": "3"}
	gotMap := map[string]string{}
	for _, kv := range got {
		k, v, _ := splitKV(kv)
		gotMap[k] = v
	}
	if !reflect.DeepEqual(gotMap, want) {
		t.Fatalf("got %v, want %v", gotMap, want)
	}
}

func TestEnvSetupApplyWithClear(t *testing.T) {
	base := []string{"A=1", "B=2"}
	e := EnvSetup{Clear: true, Set: []string{"X=9"}}
	got := e.apply(base)
	if len(got) != 1 || got[0] != "X=9" {
		t.Fatalf("got %v, want only [X=9]", got)
	}
}
