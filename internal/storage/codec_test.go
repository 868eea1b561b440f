package storage

import (
	"errors"
	"testing"

	"arcnca/internal/model"
)

func TestModelCodecRoundTrip(t *testing.T) {
	record := model.ModelRecord{
		VersionedRecord: Versioned(),
		ID:              "run-1/t1/0",
		RunID:           "run-1",
		TaskID:          "t1",
		Visible:         4,
		Hidden:          2,
		Rule:            "two_phase",
		Steps:           40,
		Params:          make([]float32, 306),
		Fitness:         0.0125,
	}
	record.Params[305] = 0.75

	data, err := EncodeModel(record)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeModel(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != record.ID || decoded.Rule != "two_phase" || decoded.Params[305] != 0.75 {
		t.Fatalf("unexpected decoded model: %+v", decoded)
	}
}

func TestDecodeModelRejectsWrongParamCount(t *testing.T) {
	record := model.ModelRecord{VersionedRecord: Versioned(), ID: "m", Visible: 4, Hidden: 2, Params: make([]float32, 10)}
	data, err := EncodeModel(record)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeModel(data); err == nil {
		t.Fatal("expected param count error")
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	run := model.RunRecord{VersionedRecord: model.VersionedRecord{SchemaVersion: 99, CodecVersion: 1}, ID: "run-1"}
	data, err := EncodeRun(run)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeRun(data); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestDiagnosticsCodecRoundTrip(t *testing.T) {
	input := []model.GenerationDiagnostics{{Stage: 1, Generation: 3, BestSoFar: 0.5}}
	data, err := EncodeGenerationDiagnostics(input)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	output, err := DecodeGenerationDiagnostics(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(output) != 1 || output[0].Stage != 1 || output[0].BestSoFar != 0.5 {
		t.Fatalf("unexpected diagnostics: %+v", output)
	}
}
