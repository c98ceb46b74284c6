/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package evidence

import (
	"bytes"
	"testing"
)

func TestRef_String(t *testing.T) {
	r := Ref{Registry: "ghcr.io", Path: "org/evidence", Tag: "v1"}
	if got, want := r.String(), "oci://ghcr.io/org/evidence:v1"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}

	r.Tag = ""
	if got, want := r.String(), "oci://ghcr.io/org/evidence:latest"; got != want {
		t.Fatalf("String() with empty tag = %q, want %q", got, want)
	}
}

func TestPackAndUnpackBundle_RoundTrips(t *testing.T) {
	bundle := Bundle{
		TaskID:    "T-1",
		GateNames: []string{"tests.run", "lint.run"},
		AllPassed: true,
		Files: map[string][]byte{
			"tests.run.log": []byte("PASS\nok\n"),
			"coverage.txt":  []byte("87.5%\n"),
		},
	}

	files, packed, err := packBundle(bundle)
	if err != nil {
		t.Fatalf("packBundle: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 files recorded, got %d", len(files))
	}

	unpacked, err := unpackBundle(packed)
	if err != nil {
		t.Fatalf("unpackBundle: %v", err)
	}
	if len(unpacked) != 2 {
		t.Fatalf("expected 2 unpacked files, got %d", len(unpacked))
	}
	if !bytes.Equal(unpacked["tests.run.log"], []byte("PASS\nok\n")) {
		t.Fatalf("tests.run.log content mismatch: %q", unpacked["tests.run.log"])
	}
	if !bytes.Equal(unpacked["coverage.txt"], []byte("87.5%\n")) {
		t.Fatalf("coverage.txt content mismatch: %q", unpacked["coverage.txt"])
	}
}

func TestPackBundle_EmptyFilesProducesValidArchive(t *testing.T) {
	_, packed, err := packBundle(Bundle{TaskID: "T-2"})
	if err != nil {
		t.Fatalf("packBundle: %v", err)
	}
	unpacked, err := unpackBundle(packed)
	if err != nil {
		t.Fatalf("unpackBundle: %v", err)
	}
	if len(unpacked) != 0 {
		t.Fatalf("expected 0 files, got %d", len(unpacked))
	}
}

func TestPush_FailsAgainstUnreachableRegistry(t *testing.T) {
	pusher := NewPusher().WithPlainHTTP(true)
	ref := Ref{Registry: "localhost:1", Path: "dispatchd/evidence", Tag: "t-1"}

	_, err := pusher.Push(t.Context(), Bundle{
		TaskID:    "T-1",
		GateNames: []string{"tests.run"},
		AllPassed: true,
		Files:     map[string][]byte{"tests.run.log": []byte("ok")},
	}, ref)
	if err == nil {
		t.Fatal("expected error pushing to an unreachable registry")
	}
}
