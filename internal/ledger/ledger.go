/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package ledger implements the Phase Ledger: an append-only, hash-chained
// JSONL log of task phase transitions, providing tamper-evident history.
//
// Canonicalisation is byte-exact and order-sensitive (see canonicalize) —
// this is a cross-implementation hash-compatibility requirement, not
// merely an internal convention, so the hash input is a dedicated
// fixed-order struct that encoding/json marshals in field declaration
// order, not a map or a generic sorted-key encoding.
package ledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

const genesisHash = "genesis"

// Ledger is the single writer for the phase-transition log.
type Ledger struct {
	mu   sync.Mutex
	path string

	lastHash string
	count    int
}

// Open opens (creating if necessary) the ledger file at path and replays
// it to recover the in-memory chain head.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, lastHash: genesisHash}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry domain.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("replay ledger: %w", err)
		}
		l.lastHash = entry.EntryHash
		l.count++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}

	return l, nil
}

// AppendTransition records a phase transition and returns the written entry.
func (l *Ledger) AppendTransition(
	taskID, fromPhase, toPhase string,
	artifacts []string,
	evidenceValidated bool,
	agentType string,
	durationMs int64,
	personaHash string,
) (domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := domain.LedgerEntry{
		EntryID:           uuid.NewString(),
		Timestamp:         time.Now().UTC(),
		PreviousHash:      l.lastHash,
		TaskID:            taskID,
		FromPhase:         fromPhase,
		ToPhase:           toPhase,
		EvidenceArtifacts: artifacts,
		EvidenceValidated: evidenceValidated,
		AgentType:         agentType,
		DurationMs:        durationMs,
		PersonaHash:       personaHash,
	}

	canonical := canonicalize(entry)
	sum := sha256.Sum256(canonical)
	entry.EntryHash = hex.EncodeToString(sum[:])

	line, err := json.Marshal(entry)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("marshal ledger entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("open ledger for append: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append ledger entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("sync ledger: %w", err)
	}

	l.lastHash = entry.EntryHash
	l.count++

	return entry, nil
}

// VerificationResult is the outcome of verifying the ledger's chain
// integrity and tamper resistance.
type VerificationResult struct {
	Valid          bool
	BrokenChainAt  int
	HasBrokenChain bool
	TamperedAt     []int
}

// Verify reads every entry in order and checks the hash chain (P8).
func (l *Ledger) Verify() (VerificationResult, error) {
	entries, err := l.readAll()
	if err != nil {
		return VerificationResult{}, err
	}

	result := VerificationResult{Valid: true}
	prevHash := genesisHash

	for i, entry := range entries {
		if entry.PreviousHash != prevHash {
			result.Valid = false
			if !result.HasBrokenChain {
				result.HasBrokenChain = true
				result.BrokenChainAt = i
			}
		}

		recomputed := recomputeHash(entry)
		if recomputed != entry.EntryHash {
			result.Valid = false
			result.TamperedAt = append(result.TamperedAt, i)
		}

		prevHash = entry.EntryHash
	}

	return result, nil
}

// GetTaskHistory returns every entry recorded for taskID, in append order.
func (l *Ledger) GetTaskHistory(taskID string) ([]domain.LedgerEntry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	var out []domain.LedgerEntry
	for _, e := range entries {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

// GetCurrentPhase returns the last recorded ToPhase for taskID, or "" if
// the task has no history.
func (l *Ledger) GetCurrentPhase(taskID string) (string, error) {
	history, err := l.GetTaskHistory(taskID)
	if err != nil {
		return "", err
	}
	if len(history) == 0 {
		return "", nil
	}
	return history[len(history)-1].ToPhase, nil
}

// Count returns the number of entries appended so far (including those
// replayed from disk on Open).
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

func (l *Ledger) readAll() ([]domain.LedgerEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var entries []domain.LedgerEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry domain.LedgerEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("parse ledger line: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return entries, nil
}

func recomputeHash(entry domain.LedgerEntry) string {
	canonical := canonicalize(entry)
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalFields mirrors the fixed key order mandated by spec §6:
// entry_id, timestamp, previous_hash, task_id, from_phase, to_phase,
// evidence_artifacts, evidence_validated, agent_type, duration_ms.
// entry_hash and persona_hash are excluded from the hash input.
type canonicalFields struct {
	EntryID           string   `json:"entry_id"`
	Timestamp         string   `json:"timestamp"`
	PreviousHash      string   `json:"previous_hash"`
	TaskID            string   `json:"task_id"`
	FromPhase         string   `json:"from_phase"`
	ToPhase           string   `json:"to_phase"`
	EvidenceArtifacts []string `json:"evidence_artifacts"`
	EvidenceValidated bool     `json:"evidence_validated"`
	AgentType         string   `json:"agent_type"`
	DurationMs        int64    `json:"duration_ms"`
}

// canonicalize serialises entry with the exact key order and no
// whitespace required for hash equivalence across implementations.
func canonicalize(entry domain.LedgerEntry) []byte {
	cf := canonicalFields{
		EntryID:           entry.EntryID,
		Timestamp:         entry.Timestamp.UTC().Format(time.RFC3339Nano),
		PreviousHash:      entry.PreviousHash,
		TaskID:            entry.TaskID,
		FromPhase:         entry.FromPhase,
		ToPhase:           entry.ToPhase,
		EvidenceArtifacts: entry.EvidenceArtifacts,
		EvidenceValidated: entry.EvidenceValidated,
		AgentType:         entry.AgentType,
		DurationMs:        entry.DurationMs,
	}
	// encoding/json preserves struct field order for a fixed struct type,
	// which is what gives us the byte-exact, deterministic encoding.
	b, _ := json.Marshal(cf)
	return b
}

