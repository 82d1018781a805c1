package core

import (
	"encoding/json"
	"testing"
)

func TestCanonicalJSONKeyOrderIndependence(t *testing.T) {
	var a, b JSONValue
	if err := json.Unmarshal([]byte(`{"b":1,"a":2,"c":{"z":1,"y":2}}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"c":{"y":2,"z":1},"a":2,"b":1}`), &b); err != nil {
		t.Fatal(err)
	}

	canonA, err := CanonicalJSON(a)
	if err != nil {
		t.Fatal(err)
	}
	canonB, err := CanonicalJSON(b)
	if err != nil {
		t.Fatal(err)
	}
	if string(canonA) != string(canonB) {
		t.Fatalf("canonical forms differ: %s vs %s", canonA, canonB)
	}
	if string(canonA) != `{"a":2,"b":1,"c":{"y":2,"z":1}}` {
		t.Fatalf("unexpected canonical form: %s", canonA)
	}
}

func TestJSONValueRoundTrip(t *testing.T) {
	raw := []byte(`{"answer":"12h","citations":["https://x.test/a"],"meta":{"k":1}}`)
	var v JSONValue
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatal(err)
	}
	obj, ok := v.Object()
	if !ok {
		t.Fatal("expected object")
	}
	answer, ok := obj["answer"].String()
	if !ok || answer != "12h" {
		t.Fatalf("expected answer 12h, got %v", obj["answer"])
	}

	out, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var roundtripped JSONValue
	if err := json.Unmarshal(out, &roundtripped); err != nil {
		t.Fatal(err)
	}
	obj2, _ := roundtripped.Object()
	answer2, _ := obj2["answer"].String()
	if answer2 != "12h" {
		t.Fatalf("round trip mismatch: %v", roundtripped)
	}
}

func TestJSONValueDriverValueAndScan(t *testing.T) {
	var v JSONValue
	if err := json.Unmarshal([]byte(`{"external_id":"Q1"}`), &v); err != nil {
		t.Fatal(err)
	}

	dv, err := v.Value()
	if err != nil {
		t.Fatal(err)
	}
	b, ok := dv.([]byte)
	if !ok {
		t.Fatalf("expected []byte driver value, got %T", dv)
	}

	var scanned JSONValue
	if err := scanned.Scan(b); err != nil {
		t.Fatal(err)
	}
	obj, ok := scanned.Object()
	if !ok {
		t.Fatal("expected object after scan")
	}
	id, _ := obj["external_id"].String()
	if id != "Q1" {
		t.Fatalf("expected external_id Q1, got %v", obj["external_id"])
	}

	var nullv JSONValue
	if err := nullv.Scan(nil); err != nil {
		t.Fatal(err)
	}
	if !nullv.IsNull() {
		t.Fatal("expected null scan to produce IsNull JSONValue")
	}
}
