/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package evidence packages a task's verification evidence (gate
// outputs, coverage numbers, worker transcripts) as an OCI artifact and
// pushes it to a registry, so the Phase Ledger's evidence_artifacts can
// reference a durable, content-addressed location instead of embedding
// the raw output inline.
package evidence

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const (
	// MediaTypeManifestConfig is the config blob's media type: the bundle
	// metadata (task ID, gate summary) with no layer content of its own.
	MediaTypeManifestConfig = "application/vnd.dispatchd.evidence.config.v1+json"
	// MediaTypeBundle is the tar+gzip layer holding the raw evidence
	// files (gate stdout/stderr, coverage reports).
	MediaTypeBundle = "application/vnd.dispatchd.evidence.bundle.v1.tar+gzip"
	// ArtifactType tags the manifest itself as a dispatchd evidence artifact.
	ArtifactType = "application/vnd.dispatchd.evidence.v1"
)

// Ref names an OCI location: registry/repository:tag.
type Ref struct {
	Registry string
	Path     string
	Tag      string
}

// String renders ref as an oci:// location for logging and the Ledger.
func (r Ref) String() string {
	tag := r.Tag
	if tag == "" {
		tag = "latest"
	}
	return fmt.Sprintf("oci://%s/%s:%s", r.Registry, r.Path, tag)
}

// Manifest is the evidence bundle's config blob.
type Manifest struct {
	TaskID    string            `json:"task_id"`
	GateNames []string          `json:"gate_names"`
	AllPassed bool              `json:"all_passed"`
	Files     []string          `json:"files"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Bundle is the in-memory evidence to package: per-gate output plus any
// free-form supporting files (coverage.xml, a worker transcript, ...).
type Bundle struct {
	TaskID    string
	GateNames []string
	AllPassed bool
	Files     map[string][]byte
	Extra     map[string]string
}

// PushResult records where a pushed bundle landed.
type PushResult struct {
	Ref         string   `json:"ref"`
	Digest      string   `json:"digest"`
	ConfigSize  int64    `json:"configSize"`
	ContentSize int64    `json:"contentSize"`
	Files       []string `json:"files"`
}

// Pusher pushes evidence bundles to an OCI registry.
type Pusher struct {
	PlainHTTP bool
	Username  string
	Password  string
}

// NewPusher creates a Pusher with anonymous, TLS-only defaults.
func NewPusher() *Pusher {
	return &Pusher{}
}

// WithAuth sets basic-auth credentials for registry pushes.
func (p *Pusher) WithAuth(username, password string) *Pusher {
	p.Username = username
	p.Password = password
	return p
}

// WithPlainHTTP allows pushing to an insecure (dev) registry.
func (p *Pusher) WithPlainHTTP(plain bool) *Pusher {
	p.PlainHTTP = plain
	return p
}

// Push packs bundle into a tar+gzip layer plus a JSON config blob, wraps
// them in an OCI 1.1 manifest, and copies it to ref.
func (p *Pusher) Push(ctx context.Context, bundle Bundle, ref Ref) (*PushResult, error) {
	files, content, err := packBundle(bundle)
	if err != nil {
		return nil, fmt.Errorf("pack evidence bundle: %w", err)
	}

	config, err := json.Marshal(Manifest{
		TaskID:    bundle.TaskID,
		GateNames: bundle.GateNames,
		AllPassed: bundle.AllPassed,
		Files:     files,
		Extra:     bundle.Extra,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal evidence manifest: %w", err)
	}

	store := memory.New()

	configDesc, err := oras.PushBytes(ctx, store, MediaTypeManifestConfig, config)
	if err != nil {
		return nil, fmt.Errorf("push config to memory: %w", err)
	}
	contentDesc, err := oras.PushBytes(ctx, store, MediaTypeBundle, content)
	if err != nil {
		return nil, fmt.Errorf("push bundle to memory: %w", err)
	}

	packOpts := oras.PackManifestOptions{
		Layers:           []ocispec.Descriptor{contentDesc},
		ConfigDescriptor: &configDesc,
	}
	manifestDesc, err := oras.PackManifest(ctx, store, oras.PackManifestVersion1_1, ArtifactType, packOpts)
	if err != nil {
		return nil, fmt.Errorf("pack evidence manifest: %w", err)
	}

	tag := ref.Tag
	if tag == "" {
		tag = "latest"
	}
	if err := store.Tag(ctx, manifestDesc, tag); err != nil {
		return nil, fmt.Errorf("tag evidence manifest: %w", err)
	}

	repo, err := p.repository(ref)
	if err != nil {
		return nil, fmt.Errorf("connect registry: %w", err)
	}

	copyDesc, err := oras.Copy(ctx, store, tag, repo, tag, oras.DefaultCopyOptions)
	if err != nil {
		return nil, fmt.Errorf("push evidence to registry: %w", err)
	}

	return &PushResult{
		Ref:         ref.String(),
		Digest:      copyDesc.Digest.String(),
		ConfigSize:  configDesc.Size,
		ContentSize: contentDesc.Size,
		Files:       files,
	}, nil
}

func (p *Pusher) repository(ref Ref) (*remote.Repository, error) {
	repo, err := remote.NewRepository(fmt.Sprintf("%s/%s", ref.Registry, ref.Path))
	if err != nil {
		return nil, err
	}
	repo.PlainHTTP = p.PlainHTTP

	if p.Username != "" {
		repo.Client = &auth.Client{
			Client: retry.DefaultClient,
			Credential: auth.StaticCredential(ref.Registry, auth.Credential{
				Username: p.Username,
				Password: p.Password,
			}),
		}
	}
	return repo, nil
}

// packBundle tars and gzips bundle.Files in Go map iteration order, which
// is randomized, so the archive's entry order (and therefore its digest)
// can differ between calls with the same files; the returned file list
// always matches the order actually written.
func packBundle(bundle Bundle) ([]string, []byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	var files []string
	for name, data := range bundle.Files {
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(data)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, nil, fmt.Errorf("write tar header for %s: %w", name, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, nil, fmt.Errorf("write tar content for %s: %w", name, err)
		}
		files = append(files, name)
	}

	if err := tw.Close(); err != nil {
		return nil, nil, fmt.Errorf("close tar writer: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return files, buf.Bytes(), nil
}

// unpackBundle is retained for tests that need to assert on the exact
// bytes a Push would have sent, without standing up a registry.
func unpackBundle(data []byte) (map[string][]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	out := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read tar content for %s: %w", hdr.Name, err)
		}
		out[hdr.Name] = data
	}
	return out, nil
}
